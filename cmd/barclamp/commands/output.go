package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/barclamp/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func row(tw *tabwriter.Writer, cols ...interface{}) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(c)
	}
	fmt.Fprintln(tw, strings.Join(parts, "\t"))
}

// parseSubtree reads a subtree from inline JSON or from a file when the value
// starts with "@". Files may be JSON or YAML.
func parseSubtree(value string) (engine.Subtree, error) {
	if value == "" {
		return nil, nil
	}

	data := []byte(value)
	if strings.HasPrefix(value, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(value, "@"))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", strings.TrimPrefix(value, "@"), err)
		}
	}

	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("invalid subtree: %w", err)
	}
	if tree == nil {
		tree = map[string]interface{}{}
	}
	return engine.Subtree(tree), nil
}

// printCommit reports a commit result. A rejected commit is returned as an error.
func printCommit(w io.Writer, res *engine.CommitResult, err error) error {
	if res == nil {
		return err
	}
	if jsonOutput {
		if perr := printJSON(w, res); perr != nil {
			return perr
		}
		return err
	}

	switch res.Outcome {
	case engine.CommitAccepted:
		fmt.Fprintf(w, "✓ Commit accepted (%d): %s\n", res.Code, res.Message)
	case engine.CommitQueued:
		fmt.Fprintf(w, "⏸ Commit queued (%d): %s\n", res.Code, res.Message)
	default:
		fmt.Fprintf(w, "✗ Commit rejected (%d): %s\n", res.Code, res.Message)
	}
	return err
}

func printFieldErrors(w io.Writer, err error) {
	e, ok := engine.AsEngineError(err)
	if !ok || len(e.Fields) == 0 {
		return
	}
	for _, f := range e.Fields {
		fmt.Fprintf(w, "  - %s: %s (%s)\n", f.Field, f.Message, f.Source)
	}
}

func sortedStatusIDs(statuses map[string]engine.ProposalStatus) []string {
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
