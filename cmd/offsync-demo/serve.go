package main

import (
	"net/http"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	transporthttp "github.com/medirec/offsync/transport/http"
	"github.com/medirec/offsync/transport/memory"
	"github.com/medirec/offsync/transport/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference remote document store",
	Long: `Serves the in-memory reference remote over HTTP, with a websocket
hub at /ws broadcasting change notices to connected clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		hub := ws.NewHub()
		defer hub.Close()

		server := transporthttp.NewServer(memory.New(), transporthttp.WithNotifier(hub))

		r := chi.NewRouter()
		r.Get("/ws", hub.Handler())
		r.Mount("/", server)

		color.Green("reference remote listening on %s", cfg.ServerAddr)
		return http.ListenAndServe(cfg.ServerAddr, r)
	},
}
