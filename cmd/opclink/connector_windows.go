//go:build windows

package main

import (
	"github.com/rs/zerolog"

	"opclink/opcda"
)

// newConnector returns the DCOM connector, or the simulated one when
// requested.
func newConnector(sim bool, log zerolog.Logger) (opcda.Connector, error) {
	if sim {
		return newSimConnector(), nil
	}
	return opcda.NewDCOMConnector(log.With().Str("component", "dcom").Logger()), nil
}
