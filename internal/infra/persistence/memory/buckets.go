package memory

import (
	"encoding/json"
	"fmt"
)

// BucketNames lists the snapshot buckets written by the durable stores, in write order.
var BucketNames = []string{
	"programmes",
	"trials",
	"locations",
	"studies",
	"plots",
	"plot_rows",
	"variables",
	"observations",
	"people",
	"revisions",
}

func (s *Snapshot) bucket(name string) (any, error) {
	switch name {
	case "programmes":
		return &s.Programmes, nil
	case "trials":
		return &s.Trials, nil
	case "locations":
		return &s.Locations, nil
	case "studies":
		return &s.Studies, nil
	case "plots":
		return &s.Plots, nil
	case "plot_rows":
		return &s.PlotRows, nil
	case "variables":
		return &s.Variables, nil
	case "observations":
		return &s.Observations, nil
	case "people":
		return &s.People, nil
	case "revisions":
		return &s.Revisions, nil
	default:
		return nil, fmt.Errorf("unknown bucket %q", name)
	}
}

// EncodeBucket marshals one bucket of the snapshot as JSON.
func (s Snapshot) EncodeBucket(name string) ([]byte, error) {
	target, err := s.bucket(name)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return data, nil
}

// DecodeBucket fills one bucket from its JSON payload. Unknown buckets are ignored
// so that stores written by newer releases still load.
func (s *Snapshot) DecodeBucket(name string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	target, err := s.bucket(name)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
