package gtfs2db

import (
	"encoding/json"
	"fmt"
	"gopkg.in/yaml.v3"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

type Status string

const (
	StatusLoaded  Status = "loaded"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// maxRowErrorSamples bounds the row error messages kept per entity.
const maxRowErrorSamples = 20

type EntityResult struct {
	Entity    string        `json:"entity" yaml:"entity"`
	File      string        `json:"file" yaml:"file"`
	Status    Status        `json:"status" yaml:"status"`
	Encoding  string        `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	Rows      int           `json:"rows" yaml:"rows"`
	RowErrors int           `json:"row_errors" yaml:"row_errors"`
	Samples   []string      `json:"samples,omitempty" yaml:"samples,omitempty"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

func (r *EntityResult) rowError(err error) {
	r.RowErrors++
	if len(r.Samples) < maxRowErrorSamples {
		r.Samples = append(r.Samples, err.Error())
	}
}

// Summary is the structured report of one ingestion run.
type Summary struct {
	RunID        string         `json:"run_id" yaml:"run_id"`
	Feed         string         `json:"feed" yaml:"feed"`
	SourceKind   string         `json:"source_kind,omitempty" yaml:"source_kind,omitempty"`
	StartedAt    time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time      `json:"finished_at" yaml:"finished_at"`
	Entities     []EntityResult `json:"entities" yaml:"entities"`
	Skipped      []string       `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Errors       []string       `json:"errors,omitempty" yaml:"errors,omitempty"`
	Verification *Verification  `json:"verification,omitempty" yaml:"verification,omitempty"`
	ViewsBuilt   bool           `json:"views_built" yaml:"views_built"`
}

// Failed reports whether any entity failed to load.
func (s *Summary) Failed() bool {
	return s.count(StatusFailed) > 0
}

func (s *Summary) Entity(name string) (EntityResult, bool) {
	for _, e := range s.Entities {
		if e.Entity == name {
			return e, true
		}
	}
	return EntityResult{}, false
}

func (s *Summary) count(status Status) int {
	n := 0
	for _, e := range s.Entities {
		if e.Status == status {
			n++
		}
	}
	return n
}

const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Write renders s to w as text, JSON or YAML.
func (s *Summary) Write(w io.Writer, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		return s.writeText(w)
	default:
		return fmt.Errorf("unknown summary format %q", format)
	}
}

func (s *Summary) writeText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %s", s.RunID, s.Feed)
	if s.SourceKind != "" {
		fmt.Fprintf(&b, " (%s)", s.SourceKind)
	}
	fmt.Fprintf(&b, "\n\n")

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tFILE\tSTATUS\tENCODING\tROWS\tROW ERRORS")
	for _, e := range s.Entities {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", e.Entity, e.File, e.Status, e.Encoding, e.Rows, e.RowErrors)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, e := range s.Entities {
		for _, sample := range e.Samples {
			fmt.Fprintf(&b, "  %s: %s\n", e.Entity, sample)
		}
		if e.RowErrors > len(e.Samples) {
			fmt.Fprintf(&b, "  %s: ... and %d more\n", e.Entity, e.RowErrors-len(e.Samples))
		}
	}

	if v := s.Verification; v != nil {
		fmt.Fprintf(&b, "\nStops with geometry: %d\n", v.GeocodedStops)
		if v.Bounds != nil {
			fmt.Fprintf(&b, "Stop bounds: %.6f,%.6f to %.6f,%.6f\n", v.Bounds.MinLat, v.Bounds.MinLon, v.Bounds.MaxLat, v.Bounds.MaxLon)
		}
		fmt.Fprintf(&b, "Shapes: %d (%.1f km)\n", v.Shapes.Count, v.Shapes.TotalKM)
		for _, warning := range v.Warnings {
			fmt.Fprintf(&b, "Warning: %s\n", warning)
		}
	}
	for _, e := range s.Errors {
		fmt.Fprintf(&b, "Error: %s\n", e)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
