package agent

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/halcyon-ai/casefile/internal/event"
)

// Sub-agent responses may embed a delimited three-section format:
//
//	[QUERY]
//	<the query that was run>
//	[RESULTS]
//	<raw results, usually JSON>
//	[ANALYSIS]
//	<free-form analysis>
//
// ParseVisualizations extracts renderable blocks from it. Parsing is
// defensive: a response without the markers yields no visualizations, and
// any parse failure or missing section degrades to a single documents block
// carrying the raw text.
func ParseVisualizations(response string) []event.Visualization {
	if !strings.Contains(response, sectionQuery) {
		return nil
	}

	sections := splitSections(response)
	results, ok := sections[sectionResults]
	if !ok || strings.TrimSpace(results) == "" {
		return []event.Visualization{{Kind: "documents", Data: response}}
	}

	viz := classifyResults(strings.TrimSpace(results))

	out := []event.Visualization{viz}
	if analysis, ok := sections[sectionAnalysis]; ok && strings.TrimSpace(analysis) != "" {
		out = append(out, event.Visualization{Kind: "documents", Data: strings.TrimSpace(analysis)})
	}
	return out
}

const (
	sectionQuery    = "[QUERY]"
	sectionResults  = "[RESULTS]"
	sectionAnalysis = "[ANALYSIS]"
)

// splitSections slices the response into its labelled sections. Text before
// the first marker is discarded; a repeated marker keeps the first body.
func splitSections(response string) map[string]string {
	markers := []string{sectionQuery, sectionResults, sectionAnalysis}

	type offset struct {
		marker string
		start  int // body start, after the marker
		at     int // marker position
	}
	var offsets []offset
	for _, marker := range markers {
		if at := strings.Index(response, marker); at >= 0 {
			offsets = append(offsets, offset{marker: marker, start: at + len(marker), at: at})
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i].at < offsets[j].at })

	sections := make(map[string]string, len(offsets))
	for i, o := range offsets {
		end := len(response)
		if i+1 < len(offsets) {
			end = offsets[i+1].at
		}
		if _, dup := sections[o.marker]; !dup {
			sections[o.marker] = response[o.start:end]
		}
	}
	return sections
}

// classifyResults types a results section. Node-edge shapes render as a
// graph, uniform object arrays as a table; anything that parses as JSON but
// fits neither defaults to table, and non-JSON text falls back to documents.
func classifyResults(results string) event.Visualization {
	var parsed interface{}
	if err := json.Unmarshal([]byte(results), &parsed); err != nil {
		return event.Visualization{Kind: "documents", Data: results}
	}

	switch v := parsed.(type) {
	case map[string]interface{}:
		if isGraph(v) {
			return event.Visualization{Kind: "graph", Data: v}
		}
		return event.Visualization{Kind: "table", Data: []interface{}{v}}

	case []interface{}:
		if len(v) > 0 {
			if rows, ok := objectRows(v); ok {
				if len(rows) > 0 && isGraphRow(rows[0]) {
					return event.Visualization{Kind: "graph", Data: v}
				}
				return event.Visualization{Kind: "table", Data: v}
			}
		}
		return event.Visualization{Kind: "table", Data: v}

	default:
		return event.Visualization{Kind: "documents", Data: results}
	}
}

func isGraph(m map[string]interface{}) bool {
	_, hasNodes := m["nodes"]
	_, hasEdges := m["edges"]
	return hasNodes && hasEdges
}

func isGraphRow(row map[string]interface{}) bool {
	_, hasSource := row["source"]
	_, hasTarget := row["target"]
	return hasSource && hasTarget
}

func objectRows(v []interface{}) ([]map[string]interface{}, bool) {
	rows := make([]map[string]interface{}, 0, len(v))
	for _, item := range v {
		row, ok := item.(map[string]interface{})
		if !ok {
			return nil, false
		}
		rows = append(rows, row)
	}
	return rows, true
}
