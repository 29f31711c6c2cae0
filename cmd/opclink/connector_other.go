//go:build !windows

package main

import (
	"errors"

	"github.com/rs/zerolog"

	"opclink/opcda"
)

// newConnector on non-Windows platforms only supports the simulated
// server; DCOM needs the Windows COM runtime.
func newConnector(sim bool, _ zerolog.Logger) (opcda.Connector, error) {
	if sim {
		return newSimConnector(), nil
	}
	return nil, errors.New("DCOM is only available on Windows; use -sim for the simulated server")
}
