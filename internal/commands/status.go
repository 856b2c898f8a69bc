package commands

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/setfarm/engine/internal/app"
	"github.com/setfarm/engine/internal/models"
	"github.com/setfarm/engine/internal/output"
	"github.com/setfarm/engine/internal/store"
)

// NewStatusCmd creates the status command. Pass the root command so --schema can collect schemas.
// Callers in root.go must call NewStatusCmd(root) after the root command is fully wired.
func NewStatusCmd(root *cobra.Command) *cobra.Command {
	var (
		check      bool
		eventsMode bool
		schemaMode bool
		runID      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show setfarm installation status and system overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case eventsMode:
				return runEventsMode(runID, limit)
			case schemaMode:
				return runSchemaMode(root)
			default:
				return runDefaultStatus(check)
			}
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Run database connectivity check (SELECT 1)")

	cmd.Flags().BoolVar(&eventsMode, "events", false, "List events for a run (replaces 'events list')")
	cmd.Flags().StringVar(&runID, "run", "", "Run ID to list events for (required with --events)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max events to return")

	cmd.Flags().BoolVar(&schemaMode, "schema", false, "Show command argument schemas (replaces 'schema')")

	return cmd
}

func runEventsMode(runID string, limit int) error {
	if runID == "" {
		return cmdErr(errors.New("--run is required with --events"))
	}

	var events []*models.Event
	if err := withDB(func(db *DB) error {
		ev, err := store.ListEventsForRun(db, runID, limit)
		if err != nil {
			return err
		}
		events = ev
		return nil
	}); err != nil {
		return err
	}

	type resp struct {
		RunID  string          `json:"run_id"`
		Count  int             `json:"count"`
		Events []*models.Event `json:"events"`
	}
	return output.PrintSuccess(resp{
		RunID:  runID,
		Count:  len(events),
		Events: events,
	})
}

func runSchemaMode(root *cobra.Command) error {
	type resp struct {
		Commands []commandArgSchema `json:"commands"`
	}
	schemas := make([]commandArgSchema, 0)
	collectCommandSchemas(root, &schemas)
	return output.PrintSuccess(resp{Commands: schemas})
}

// statusCounts is a lightweight snapshot of queue depth by status, used to
// eyeball engine health without pulling every row.
type statusCounts struct {
	RunsByStatus    map[string]int `json:"runs_by_status"`
	StepsByStatus   map[string]int `json:"steps_by_status"`
	StoriesByStatus map[string]int `json:"stories_by_status"`
}

func loadStatusCounts(db *DB) (*statusCounts, error) {
	counts := &statusCounts{
		RunsByStatus:    map[string]int{},
		StepsByStatus:   map[string]int{},
		StoriesByStatus: map[string]int{},
	}
	ctx := context.Background()

	tables := []struct {
		name string
		dest map[string]int
	}{
		{"runs", counts.RunsByStatus},
		{"steps", counts.StepsByStatus},
		{"stories", counts.StoriesByStatus},
	}
	for _, t := range tables {
		rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM "+t.name+" GROUP BY status")
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var status string
			var n int
			if scanErr := rows.Scan(&status, &n); scanErr != nil {
				_ = rows.Close()
				return nil, scanErr
			}
			t.dest[status] = n
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return counts, nil
}

func runDefaultStatus(check bool) error {
	dbPath, dbSource, err := app.ResolveDBPathDetailed()
	if err != nil {
		return cmdErr(err)
	}

	type dbInfo struct {
		Path      string `json:"path"`
		Source    string `json:"source"`
		OK        bool   `json:"ok"`
		SizeBytes *int64 `json:"size_bytes,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	type resp struct {
		DB         dbInfo            `json:"db"`
		Medic      app.MedicSettings `json:"medic"`
		Counts     *statusCounts     `json:"counts,omitempty"`
		QueryOK    *bool             `json:"query_ok,omitempty"`
		QueryError string            `json:"query_error,omitempty"`
		Hint       string            `json:"hint,omitempty"`
	}

	result := resp{
		DB:    dbInfo{Path: dbPath, Source: dbSource},
		Medic: app.EffectiveMedicSettings(),
	}

	db, err := store.OpenDB(dbPath)
	if err != nil {
		result.DB.OK = false
		result.DB.Error = err.Error()
		if check {
			qOK := false
			result.QueryOK = &qOK
			result.QueryError = "db not available"
			result.Hint = "If this is running in a sandboxed environment, set db_path to a writable location or use --db-path."
		}
		return output.PrintSuccess(result)
	}

	result.DB.OK = true
	defer func() { _ = db.Close() }()

	if stat, statErr := os.Stat(dbPath); statErr == nil {
		size := stat.Size()
		result.DB.SizeBytes = &size
	}

	if counts, countsErr := loadStatusCounts(db); countsErr == nil {
		result.Counts = counts
	}

	if check {
		var one int
		qErr := db.QueryRowContext(context.Background(), "SELECT 1").Scan(&one)
		qOK := qErr == nil
		result.QueryOK = &qOK
		if !qOK {
			result.QueryError = qErr.Error()
		}
	}

	return output.PrintSuccess(result)
}

// Schema helper functions.

type commandArgSchema struct {
	Command     string                 `json:"command"`
	Description string                 `json:"description,omitempty"`
	ArgsSchema  map[string]interface{} `json:"args_schema"`
}

func collectCommandSchemas(cmd *cobra.Command, out *[]commandArgSchema) {
	if cmd.Name() != "" && cmd.Name() != "setfarm" && cmd.Name() != "schema" && !cmd.Hidden {
		*out = append(*out, buildCommandSchema(cmd))
	}

	for _, child := range cmd.Commands() {
		collectCommandSchemas(child, out)
	}
}

func buildCommandSchema(cmd *cobra.Command) commandArgSchema {
	properties := map[string]interface{}{}
	required := make([]string, 0)
	seen := map[string]bool{}

	addFlag := func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		if seen[f.Name] {
			return
		}
		seen[f.Name] = true

		flagSchema := map[string]interface{}{
			"type":        normalizeFlagType(f.Value.Type()),
			"description": f.Usage,
		}

		if f.DefValue != "" {
			flagSchema["default"] = typedFlagDefault(f.Value.Type(), f.DefValue)
		}

		if enumValues := parseEnumValues(f.Usage); len(enumValues) > 0 {
			flagSchema["enum"] = enumValues
		}

		properties[f.Name] = flagSchema

		if isRequiredFlag(f) {
			required = append(required, f.Name)
		}
	}

	cmd.InheritedFlags().VisitAll(addFlag)
	cmd.NonInheritedFlags().VisitAll(addFlag)

	argsSchema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		argsSchema["required"] = required
	}

	return commandArgSchema{
		Command:     cmd.CommandPath(),
		Description: cmd.Short,
		ArgsSchema:  argsSchema,
	}
}

func normalizeFlagType(flagType string) string {
	switch flagType {
	case "int", "int64", "int32", "uint", "uint64", "uint32":
		return "integer"
	case "bool":
		return "boolean"
	case "duration":
		return "string"
	default:
		return "string"
	}
}

func typedFlagDefault(flagType, raw string) interface{} {
	switch flagType {
	case "bool":
		v, err := strconv.ParseBool(raw)
		if err == nil {
			return v
		}
	case "int", "int64", "int32", "uint", "uint64", "uint32":
		v, err := strconv.Atoi(raw)
		if err == nil {
			return v
		}
	}
	return raw
}

func isRequiredFlag(f *pflag.Flag) bool {
	if f.Annotations != nil {
		if vals, ok := f.Annotations[cobra.BashCompOneRequiredFlag]; ok && len(vals) > 0 && vals[0] == "true" {
			return true
		}
	}

	usage := strings.ToLower(strings.TrimSpace(f.Usage))
	return strings.Contains(usage, "(required)")
}

func parseEnumValues(usage string) []string {
	usage = strings.TrimSpace(usage)
	if usage == "" {
		return nil
	}

	if idx := strings.Index(usage, ":"); idx >= 0 {
		cand := strings.TrimSpace(usage[idx+1:])
		if strings.Contains(cand, "|") {
			parts := strings.Split(cand, "|")
			return normalizeEnumParts(parts)
		}
	}

	open := strings.LastIndex(usage, "(")
	close := strings.LastIndex(usage, ")")
	if open >= 0 && close > open {
		cand := usage[open+1 : close]
		if strings.Contains(strings.ToLower(cand), "e.g.") {
			return nil
		}
		if strings.Contains(cand, ",") {
			parts := strings.Split(cand, ",")
			return normalizeEnumParts(parts)
		}
	}

	return nil
}

func normalizeEnumParts(parts []string) []string {
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.Trim(p, "[]"))
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, ".") {
			continue
		}
		if strings.Contains(p, " ") {
			continue
		}
		values = append(values, p)
	}
	if len(values) < 2 {
		return nil
	}
	return values
}
