// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dashboard serves the stage status over HTTP, as JSON and as
// a rendered image of the stage travel.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/aamcrae/stage/stage"
	"github.com/rs/zerolog"
)

// Source provides the stage snapshots to display.
type Source interface {
	Status() stage.Snapshot
}

// Status is the JSON form of a stage snapshot.
type Status struct {
	Name     string                 `json:"name"`
	Position [stage.NumAxes]float64 `json:"position"`
	Axes     [stage.NumAxes]string  `json:"axes"`
	Limits   [stage.NumAxes]bool    `json:"limits"`
	Disabled [stage.NumAxes]int     `json:"disabled"`
	Faults   [stage.NumAxes]string  `json:"faults"`
	Homing   string                 `json:"homing"`
	Queued   int                    `json:"queued"`
}

// NewStatus converts a snapshot.
func NewStatus(s stage.Snapshot) Status {
	st := Status{
		Name:     s.Name,
		Position: s.Position,
		Limits:   s.Limits,
		Disabled: s.Disabled,
		Faults:   s.Faults,
		Homing:   s.Homing.String(),
		Queued:   s.Queued,
	}
	for i, a := range s.Axes {
		st.Axes[i] = a.String()
	}
	return st
}

// Server is the dashboard HTTP server.
type Server struct {
	src     Source
	travel  Travel
	refresh int
	log     zerolog.Logger
}

// New creates a dashboard for the stage. refresh is the page
// refresh period in seconds.
func New(src Source, travel Travel, refresh int, logger zerolog.Logger) *Server {
	return &Server{src: src, travel: travel, refresh: refresh, log: logger.With().Str("component", "dashboard").Logger()}
}

// Handler returns the HTTP handler serving the dashboard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.index)
	mux.HandleFunc("/status", s.status)
	mux.HandleFunc("/stage.png", s.image)
	return mux
}

// Serve runs the server on the port until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, port int) error {
	url := fmt.Sprintf(":%d", port)
	server := &http.Server{Addr: url, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(sctx)
	}()
	s.log.Info().Msgf("Starting server on %s", url)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html><head><meta http-equiv="refresh" content="%d"><title>%s</title></head>`+
		`<body><img src="/stage.png"></body></html>`, s.refresh, html.EscapeString(s.src.Status().Name))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(NewStatus(s.src.Status())); err != nil {
		s.log.Error().Err(err).Msg("Error writing status")
	}
}

func (s *Server) image(w http.ResponseWriter, r *http.Request) {
	c := Render(s.src.Status(), s.travel)
	w.Header().Set("Content-Type", "image/png")
	if err := c.EncodePNG(w); err != nil {
		s.log.Error().Err(err).Msg("Error writing image")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.log.Debug().Msg("Write png image")
}
