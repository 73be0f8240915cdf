// Command chirpd runs a standalone chirp node that logs every message it
// receives and exposes Prometheus metrics, mirroring cmd/atlas's env-file-or-
// environment configuration convention.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/chirp-project/chirp/pkg/chirp"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	// CHIRP_METRICS_ADDR belongs to chirpd, not chirp.Config, which rejects
	// unknown CHIRP_ variables.
	var ce []string
	for _, x := range e {
		if !strings.HasPrefix(x, "CHIRP_METRICS_ADDR=") {
			ce = append(ce, x)
		}
	}

	var cfg chirp.Config
	if err := cfg.UnmarshalEnv(ce, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	c, err := chirp.Init(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize chirp: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if metricsAddr, ok := getEnvList("CHIRP_METRICS_ADDR", e, os.Environ()); ok && metricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			c.WritePrometheus(w)
		})
		go func() {
			log.Info().Str("addr", metricsAddr).Msg("serving metrics")
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if err := c.Start(func(m *chirp.Message) {
		log.Info().
			Hex("identity", m.Identity[:]).
			Str("addr", m.Address.String()).
			Uint16("port", m.Port).
			Int("header_len", len(m.Header)).
			Int("data_len", len(m.Data)).
			Msg("received message")
		if m.HasSlot() {
			if err := c.ReleaseMsgSlot(m); err != nil {
				log.Warn().Err(err).Msg("release slot")
			}
		}
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: start chirp: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if !cfg.DisableSignals {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Msg("close")
	}
}

func getEnvList(k string, e ...[]string) (string, bool) {
	for _, l := range e {
		for _, x := range l {
			if xk, xv, ok := strings.Cut(x, "="); ok && xk == k {
				return xv, true
			}
		}
	}
	return "", false
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
