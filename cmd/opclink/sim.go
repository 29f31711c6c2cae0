package main

import (
	"opclink/opcda"
	"opclink/opcsim"
)

// newSimConnector builds an in-memory server shaped like the common demo
// servers, so the gateway can run end to end without a DA server.
func newSimConnector() opcda.Connector {
	srv := &opcsim.Server{
		Name: "Matrikon.OPC.Simulation.1",
		Root: &opcsim.Branch{
			Children: []*opcsim.Branch{
				{Name: "Random", Leaves: []string{"Int4", "Real8", "String"}},
				{Name: "Bucket Brigade", Leaves: []string{"Int4", "Real8", "Boolean"}},
			},
		},
		Values: map[string]opcda.Variant{
			"Random.Int4":            {VT: opcda.VT_I4, Int: 42},
			"Random.Real8":           {VT: opcda.VT_R8, Real: 3.14159},
			"Random.String":          {VT: opcda.VT_BSTR, Str: "simulated"},
			"Bucket Brigade.Int4":    {VT: opcda.VT_I4, Int: 0},
			"Bucket Brigade.Real8":   {VT: opcda.VT_R8, Real: 0},
			"Bucket Brigade.Boolean": {VT: opcda.VT_BOOL, Bool: false},
		},
	}
	return opcsim.NewHost().Add(srv)
}
