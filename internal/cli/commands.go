package cli

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/objlog/internal/config"
	"github.com/ehrlich-b/objlog/internal/errs"
	"github.com/ehrlich-b/objlog/internal/server"
	"github.com/ehrlich-b/objlog/internal/timeset"
)

// Serve runs the HTTP server over every configured log until ctx ends.
func Serve(ctx context.Context, env *Env) error {
	logs, err := env.StartLoggers()
	if err != nil {
		return err
	}
	served := make([]server.Log, 0, len(logs))
	for _, l := range logs {
		served = append(served, l)
	}

	opts := server.Options{
		Addr: env.Config.Server.Addr,
		Logs: served,
		Auth: server.NewAuth(env.Config.Server.JWTSecret, env.Config.Server.TokenHashes),
	}
	if env.Catalog != nil {
		opts.Stats = env.Catalog
	}
	return server.New(opts, env.log).Run(ctx)
}

// AppendOptions configures the append command.
type AppendOptions struct {
	Log    string
	Input  io.Reader // JSON values, typically one per line
	Remote *Remote   // nil appends to the local files
}

// Append reads every JSON value from the input and logs it. It returns the
// number of records accepted.
func Append(ctx context.Context, env *Env, opts AppendOptions) (int, error) {
	payloads, err := readPayloads(opts.Input)
	if err != nil {
		return 0, err
	}
	if len(payloads) == 0 {
		return 0, nil
	}
	if opts.Remote != nil {
		return opts.Remote.Append(ctx, opts.Log, payloads)
	}

	l, err := env.Logger(opts.Log)
	if err != nil {
		return 0, err
	}
	for i, p := range payloads {
		if err := l.Log(p); err != nil {
			return i, err
		}
	}
	return len(payloads), nil
}

// readPayloads decodes consecutive JSON values. Nulls are rejected.
func readPayloads(r io.Reader) ([]json.RawMessage, error) {
	dec := json.NewDecoder(r)
	var out []json.RawMessage
	for {
		var v json.RawMessage
		err := dec.Decode(&v)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode input value %d: %w", len(out)+1, err)
		}
		if bytes.Equal(v, []byte("null")) {
			return nil, fmt.Errorf("input value %d is null", len(out)+1)
		}
		out = append(out, v)
	}
}

// QueryOptions configures the query command.
type QueryOptions struct {
	Log    string
	From   time.Time
	To     time.Time
	File   string // read one segment file instead of a time range
	Limit  int    // keep only the newest Limit records
	Format Format
	Remote *Remote
}

// Query prints the records of a log. An empty result prints nothing.
func Query(ctx context.Context, env *Env, opts QueryOptions, out io.Writer) error {
	if !opts.To.IsZero() && opts.From.IsZero() {
		return errors.New("--to requires --from")
	}

	var rows []Row
	if opts.Remote != nil {
		if opts.File != "" {
			return errors.New("--file cannot be used with --server")
		}
		var err error
		if rows, err = opts.Remote.Query(ctx, opts.Log, opts.From, opts.To, opts.Limit); err != nil {
			return err
		}
	} else {
		set, err := queryLocal(ctx, env, opts)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		if set != nil {
			for _, rec := range set.Records() {
				rows = append(rows, Row{Time: rec.Time, Payload: rec.Payload})
			}
		}
		if opts.Limit > 0 && len(rows) > opts.Limit {
			rows = rows[len(rows)-opts.Limit:]
		}
	}

	loc, err := env.Config.TimeLocation()
	if err != nil {
		return err
	}
	return PrintRows(out, rows, opts.Format, loc)
}

func queryLocal(ctx context.Context, env *Env, opts QueryOptions) (*timeset.Set[json.RawMessage], error) {
	l, err := env.Logger(opts.Log)
	if err != nil {
		return nil, err
	}
	switch {
	case opts.File != "":
		return l.GetFile(ctx, opts.File)
	case opts.From.IsZero():
		return l.GetAll(ctx)
	case opts.To.IsZero():
		return l.GetSince(ctx, opts.From)
	default:
		return l.GetRange(ctx, opts.From, opts.To)
	}
}

// Tail follows a log on a server, printing records as they arrive.
func Tail(ctx context.Context, remote *Remote, log string, since time.Time, format Format, out io.Writer) error {
	if format == FormatAuto {
		format = FormatJSON
		if tty, _ := isTerminal(out); tty {
			format = FormatTable
		}
	}
	enc := json.NewEncoder(out)
	return remote.Tail(ctx, log, since, func(r Row) error {
		if format == FormatJSON {
			return enc.Encode(r)
		}
		_, err := fmt.Fprintf(out, "%s  %s\n", r.Time.Local().Format("2006-01-02 15:04:05.000"), r.Payload)
		return err
	})
}

// Clean removes today's directory through each named log and drops the
// removed segments from the catalog.
func Clean(ctx context.Context, env *Env, names []string) error {
	loc, err := env.Config.TimeLocation()
	if err != nil {
		return err
	}
	day := DayDir(env.Config.Path, time.Now(), loc)
	for _, name := range names {
		l, err := env.Logger(name)
		if err != nil {
			return err
		}
		if err := l.Clean(); err != nil {
			return err
		}
		if env.Catalog != nil {
			if err := env.Catalog.ForgetSegments(ctx, name, day); err != nil {
				env.log.Warn("failed to update catalog", "log", name, "error", err)
			}
		}
	}
	return nil
}

// MintToken signs a bearer token with the configured jwt_secret.
func MintToken(cfg *config.Config, subject string, ttl time.Duration) (string, error) {
	return server.NewAuth(cfg.Server.JWTSecret, nil).MintToken(subject, ttl)
}

// StaticToken generates a random static token and the digest to list under
// server.token_hashes.
func StaticToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(buf)
	return token, server.HashToken(token), nil
}

// ShowConfig writes the effective configuration as YAML with secrets masked.
func ShowConfig(cfg *config.Config, out io.Writer) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Redacted()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
