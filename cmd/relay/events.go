package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

// Event represents a row from the events table.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

type eventsOptions struct {
	dbPath    string
	eventID   int64
	maxDepth  int
	jsonOut   bool
	noPayload bool
}

func newEventsCmd() *cobra.Command {
	var opts eventsOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event log of the latest relay process as a tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd.OutOrStdout(), opts)
		},
	}
	dbDefault := os.Getenv("RELAY_DB_PATH")
	if dbDefault == "" {
		dbDefault = "./relay.db"
	}
	cmd.Flags().StringVar(&opts.dbPath, "db", dbDefault, "SQLite database path")
	cmd.Flags().Int64Var(&opts.eventID, "id", 0, "show subtree of a specific event ID")
	cmd.Flags().IntVarP(&opts.maxDepth, "depth", "L", 0, "limit display depth (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "output JSON format")
	cmd.Flags().BoolVar(&opts.noPayload, "no-payload", false, "hide payload details")
	return cmd
}

func runEvents(w io.Writer, opts eventsOptions) error {
	if _, err := os.Stat(opts.dbPath); err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	db, err := sql.Open("sqlite3", opts.dbPath+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	rootID := opts.eventID
	if rootID == 0 {
		rootID, err = latestRelayRoot(db)
		if err != nil {
			return fmt.Errorf("find relay root: %w", err)
		}
	}

	events, err := querySubtree(db, rootID)
	if err != nil {
		return fmt.Errorf("query subtree: %w", err)
	}

	root := buildTree(events, rootID)
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}

	if opts.jsonOut {
		return printJSON(w, root, opts.maxDepth, opts.noPayload)
	}
	p := newTreePrinter(w, opts.maxDepth, opts.noPayload)
	p.print(root, "", true, 1)
	return nil
}

// latestRelayRoot finds the most recent process.started event with role=relay.
func latestRelayRoot(db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRow(
		`SELECT id FROM events WHERE event_type = 'process.started'
		 AND json_extract(payload, '$.role') = 'relay'
		 ORDER BY id DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no relay process.started event found")
	}
	return id, err
}

// querySubtree returns all events in the subtree rooted at rootID using a recursive CTE.
func querySubtree(db *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := db.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// buildTree organizes a flat list of events into a tree rooted at rootID.
func buildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}

	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}

	return byID[rootID]
}

// treePrinter renders an event tree with box-drawing characters. Styles
// degrade to plain text when w is not a terminal.
type treePrinter struct {
	w         io.Writer
	maxDepth  int
	noPayload bool
	typeStyle lipgloss.Style
	failStyle lipgloss.Style
	dimStyle  lipgloss.Style
}

func newTreePrinter(w io.Writer, maxDepth int, noPayload bool) *treePrinter {
	r := lipgloss.NewRenderer(w)
	return &treePrinter{
		w:         w,
		maxDepth:  maxDepth,
		noPayload: noPayload,
		typeStyle: r.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		failStyle: r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		dimStyle:  r.NewStyle().Foreground(lipgloss.Color("243")),
	}
}

func (p *treePrinter) print(ev *Event, prefix string, isLast bool, depth int) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	line := p.format(ev)
	if depth == 1 {
		fmt.Fprintln(p.w, line)
	} else {
		fmt.Fprintln(p.w, prefix+connector+line)
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}

	if p.maxDepth > 0 && depth >= p.maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(p.w, childPrefix+"└── [...]")
		}
		return
	}

	for i, child := range ev.Children {
		p.print(child, childPrefix, i == len(ev.Children)-1, depth+1)
	}
}

// format renders one event line: [id] timestamp  event_type  key=value ...
func (p *treePrinter) format(ev *Event) string {
	style := p.typeStyle
	if isFailure(ev.EventType) {
		style = p.failStyle
	}
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("%s %s  %s",
		p.dimStyle.Render(fmt.Sprintf("[%d]", ev.ID)), ts, style.Render(ev.EventType))
	return line + formatPayload(ev, p.noPayload)
}

func isFailure(eventType string) bool {
	switch eventType {
	case "generation.failed", "notify.failed", "update.malformed", "circuit.opened":
		return true
	}
	return false
}

// formatPayload renders payload keys in sorted order.
func formatPayload(ev *Event, noPayload bool) string {
	if noPayload || !ev.Payload.Valid || ev.Payload.String == "" {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out string
	for _, k := range keys {
		out += fmt.Sprintf("  %s=%s", k, formatValue(m[k]))
	}
	return out
}

// formatValue converts a payload value to a display string, truncating long text.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if runes := []rune(val); len(runes) > 80 {
			return fmt.Sprintf("%q", string(runes[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64       `json:"id"`
	Timestamp int64       `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
}

func toJSONEvent(ev *Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		EventType: ev.EventType,
	}

	if !noPayload && ev.Payload.Valid && ev.Payload.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(ev.Payload.String), &m); err == nil {
			je.Payload = m
		}
	}

	if maxDepth > 0 && depth >= maxDepth {
		return je
	}

	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}

func printJSON(w io.Writer, root *Event, maxDepth int, noPayload bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSONEvent(root, 1, maxDepth, noPayload)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
