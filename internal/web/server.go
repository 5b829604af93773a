// Package web serves read-only diagnostics: the channel registry, kernel
// readback and prometheus metrics. It never changes channel state.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pwmd/internal/errcode"
	"pwmd/internal/pwm"
)

// Inspector is the read side of *pwm.Registry.
type Inspector interface {
	Chips() []pwm.ChipInfo
	Channels(ctx context.Context) ([]pwm.ChannelInfo, error)
	Inspect(ctx context.Context, id pwm.ChannelID) (pwm.Inspection, error)
}

func Handler(insp Inspector, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/chips", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, insp.Chips())
	})

	r.Get("/api/channels", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		chans, err := insp.Channels(ctx)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chans)
	})

	r.Get("/api/channels/{chip}/{channel}", func(w http.ResponseWriter, r *http.Request) {
		chip, err1 := strconv.ParseUint(chi.URLParam(r, "chip"), 10, 32)
		channel, err2 := strconv.ParseUint(chi.URLParam(r, "channel"), 10, 32)
		if err := errors.Join(err1, err2); err != nil {
			writeErr(w, errcode.Wrap(errcode.InvalidArgument, "", 0, 0, "chip and channel must be unsigned integers", err))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		view, err := insp.Inspect(ctx, pwm.ChannelID{Chip: uint32(chip), Channel: uint32(channel)})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type errorBody struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// writeErr answers with the bus reply code as body. Codes are HTTP
// shaped, so they double as the status when they fall in range.
func writeErr(w http.ResponseWriter, err error) {
	code, msg := errcode.Reply(err)
	status := int(code)
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// Serve runs the diagnostics server until ctx is done.
func Serve(ctx context.Context, listenAddr string, insp Inspector, gatherer prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(insp, gatherer),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
