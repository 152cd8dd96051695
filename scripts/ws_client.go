// Package main runs a demo client against a local bustrack server. As a
// driver it reports a short drive along a line; as any other role it prints
// what the server pushes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"

	"bustrack/internal/client"
	"bustrack/internal/model"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	url := flag.String("url", fmt.Sprintf("ws://localhost:%s/ws", port), "server WebSocket URL")
	user := flag.String("user", "u_passenger", "user id to authenticate as")
	role := flag.String("role", "passenger", "driver, passenger or admin")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(client.Options{
		URL:      *url,
		Identity: &client.Identity{UserID: model.ID(*user), Role: model.Role(*role)},
		Logger:   log,
	})
	for _, kind := range []string{"connection", "auth_success", "busLocations", "busRoute", "busLocationUpdate", "stopUpdate", "newIncident", "error"} {
		c.Handle(kind, func(m client.Message) {
			log.Info().Str("type", m.Type).RawJSON("frame", m.Raw).Msg("WS <-")
		})
	}

	if model.Role(*role) == model.RoleDriver {
		go drive(ctx, c, log)
	}

	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("client stopped")
	}
}

// drive sends a location every second, stepping from the downtown terminal
// towards the shopping district, and a stop update at each end.
func drive(ctx context.Context, c *client.Client, log zerolog.Logger) {
	from := model.GeoPoint{Lat: 37.7749, Lng: -122.4194}
	to := model.GeoPoint{Lat: 37.7834, Lng: -122.4071}
	const steps = 10
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for i := 0; ; i = (i + 1) % (steps + 1) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		f := float64(i) / steps
		loc := model.GeoPoint{Lat: from.Lat + (to.Lat-from.Lat)*f, Lng: from.Lng + (to.Lng-from.Lng)*f}
		if err := c.UpdateLocation(loc); err != nil {
			log.Warn().Err(err).Msg("update location")
			continue
		}
		if i == 0 || i == steps {
			stop := 1
			if i == steps {
				stop = 2
			}
			if err := c.StopUpdate("", stop); err != nil {
				log.Warn().Err(err).Msg("stop update")
			}
		}
	}
}
