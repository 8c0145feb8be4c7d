package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quillpub/quill/dispatch"
)

type DispatchCmd struct {
	Addr string `help:"address to listen" default:":8090"`
}

func (d *DispatchCmd) Run(ctx *Context) error {
	dispatcher := dispatch.NewDispatcher(ctx.Logger)

	c := chi.NewRouter()
	c.Use(middleware.Recoverer)
	c.Handle("/dispatch", dispatcher)

	ctx.Logger.Info("dispatcher listening", "addr", d.Addr)
	svr := &http.Server{
		Addr:              d.Addr,
		Handler:           c,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return svr.ListenAndServe()
}
