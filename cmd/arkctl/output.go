package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/legacy"
	"github.com/arkdeploy/ark/internal/service/plan"
	"github.com/arkdeploy/ark/internal/service/reconcile"
)

var errNoPlans = errors.New("no plans found")

// parsePlans accepts either a bare list of plans or a document with a
// top-level "plans" key.
func parsePlans(raw []byte) ([]plan.PlanInput, error) {
	var list []plan.PlanInput
	if err := yaml.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return nil, errNoPlans
		}
		return list, nil
	}
	var doc struct {
		Plans []plan.PlanInput `yaml:"plans"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse plans: %w", err)
	}
	if len(doc.Plans) == 0 {
		return nil, errNoPlans
	}
	return doc.Plans, nil
}

func printOperation(w io.Writer, op domain.Operation) {
	fmt.Fprintf(w, "operation %s %s %s\n", op.ID, op.Kind, op.Status)
	for _, step := range op.Steps {
		mark := "ok"
		if step.Failed() {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "  [%s] %s (%s)\n", mark, step.Name, step.Duration.Round(time.Millisecond))
		if step.Failed() {
			fmt.Fprintf(w, "      %s\n", step.Error)
			if out := strings.TrimSpace(step.Stderr); out != "" {
				fmt.Fprintf(w, "      %s\n", lastLine(out))
			}
		}
	}
	if op.Error != "" {
		fmt.Fprintf(w, "error: %s\n", op.Error)
	}
}

func printReport(w io.Writer, r reconcile.Report) {
	mode := "applied"
	if r.DryRun {
		mode = "planned"
	}
	fmt.Fprintf(w, "server %s: %d action(s) %s\n", r.ServerID, len(r.Actions), mode)
	for _, a := range r.Actions {
		target := a.ProjectID
		if target == "" {
			target = a.DatabaseID
		}
		state := ""
		switch {
		case a.Error != "":
			state = " failed: " + a.Error
		case a.Applied:
			state = " done"
		}
		fmt.Fprintf(w, "  %-20s %s %s%s\n", a.Kind, target, a.Reason, state)
	}
}

func printSummary(w io.Writer, s legacy.Summary, dryRun bool) {
	if dryRun {
		fmt.Fprintln(w, "dry run, nothing written")
	}
	rows := []struct {
		name string
		c    legacy.Counts
	}{
		{"users", s.Users},
		{"plans", s.Plans},
		{"servers", s.Servers},
		{"projects", s.Projects},
		{"databases", s.Databases},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-10s imported=%d skipped=%d failed=%d\n", r.name, r.c.Imported, r.c.Skipped, r.c.Failed)
	}
	for _, p := range s.Problems {
		fmt.Fprintf(w, "  %s\n", p)
	}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
