// Package reconcile converges same-named labels across teams using
// last-writer-wins on the label's update timestamp.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/labelrelay/internal/tracker"
)

// Snapshot is a point-in-time view of every team's labels keyed by name.
type Snapshot struct {
	Teams     map[string]map[string]tracker.Label
	TeamNames map[string]string
}

// NewSnapshot groups labels by team. If a team holds two labels with the same
// name, the more recently updated one is kept.
func NewSnapshot(labels []tracker.Label) Snapshot {
	snapshot := Snapshot{
		Teams:     map[string]map[string]tracker.Label{},
		TeamNames: map[string]string{},
	}
	for _, label := range labels {
		if label.TeamID == "" {
			continue
		}
		byName, ok := snapshot.Teams[label.TeamID]
		if !ok {
			byName = map[string]tracker.Label{}
			snapshot.Teams[label.TeamID] = byName
		}
		if existing, ok := byName[label.Name]; ok && !existing.UpdatedAt.Before(label.UpdatedAt) {
			continue
		}
		byName[label.Name] = label
		if label.TeamName != "" {
			snapshot.TeamNames[label.TeamID] = label.TeamName
		}
	}
	return snapshot
}

func (s Snapshot) teamIDs() []string {
	ids := make([]string, 0, len(s.Teams))
	for id := range s.Teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s Snapshot) teamName(id string) string {
	if name := s.TeamNames[id]; name != "" {
		return name
	}
	return id
}

// Plan holds, per target team, the source labels to create and the source
// labels whose definition should overwrite the team's existing label.
type Plan struct {
	Create map[string]map[string]tracker.Label
	Update map[string]map[string]tracker.Label
}

func (p Plan) Creates() int { return countChanges(p.Create) }
func (p Plan) Updates() int { return countChanges(p.Update) }
func (p Plan) Len() int     { return p.Creates() + p.Updates() }
func (p Plan) Empty() bool  { return p.Len() == 0 }

func countChanges(changes map[string]map[string]tracker.Label) int {
	n := 0
	for _, byName := range changes {
		n += len(byName)
	}
	return n
}

// BuildPlan compares every label against every other team. Iteration runs over
// sorted team ids and label names and a proposal is only replaced by a strictly
// newer one, so equal timestamps resolve to the smallest source team id.
func BuildPlan(snapshot Snapshot) Plan {
	plan := Plan{
		Create: map[string]map[string]tracker.Label{},
		Update: map[string]map[string]tracker.Label{},
	}
	teamIDs := snapshot.teamIDs()
	for _, id := range teamIDs {
		plan.Create[id] = map[string]tracker.Label{}
		plan.Update[id] = map[string]tracker.Label{}
	}

	for _, sourceID := range teamIDs {
		for _, name := range sortedNames(snapshot.Teams[sourceID]) {
			label := snapshot.Teams[sourceID][name]
			for _, targetID := range teamIDs {
				if targetID == sourceID {
					continue
				}
				existing, exists := snapshot.Teams[targetID][name]
				if !exists {
					proposal, proposed := plan.Create[targetID][name]
					if !proposed || proposal.UpdatedAt.Before(label.UpdatedAt) {
						plan.Create[targetID][name] = label
					}
					continue
				}
				if existing.MetaEquals(label) || !existing.UpdatedAt.Before(label.UpdatedAt) {
					continue
				}
				proposal, proposed := plan.Update[targetID][name]
				if !proposed || proposal.UpdatedAt.Before(label.UpdatedAt) {
					plan.Update[targetID][name] = label
				}
			}
		}
	}
	return plan
}

// ChangeKind distinguishes the two mutation types a plan can contain.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
)

// Change is one planned mutation against TeamID. Source is the label whose
// definition is copied; Existing is set for updates.
type Change struct {
	Kind     ChangeKind
	TeamID   string
	Source   tracker.Label
	Existing tracker.Label
}

// Changes flattens the plan into execution order: every create across all
// teams, then every update, each sorted by team id and label name.
func (p Plan) Changes(snapshot Snapshot) []Change {
	changes := make([]Change, 0, p.Len())
	for _, teamID := range sortedTeams(p.Create) {
		for _, name := range sortedNames(p.Create[teamID]) {
			changes = append(changes, Change{Kind: ChangeCreate, TeamID: teamID, Source: p.Create[teamID][name]})
		}
	}
	for _, teamID := range sortedTeams(p.Update) {
		for _, name := range sortedNames(p.Update[teamID]) {
			changes = append(changes, Change{
				Kind:     ChangeUpdate,
				TeamID:   teamID,
				Source:   p.Update[teamID][name],
				Existing: snapshot.Teams[teamID][name],
			})
		}
	}
	return changes
}

// FormatPlan renders a plain-text summary grouped by target team. Teams
// without changes are omitted.
func FormatPlan(snapshot Snapshot, plan Plan) string {
	teamIDs := snapshot.teamIDs()
	sort.SliceStable(teamIDs, func(i, j int) bool {
		return snapshot.teamName(teamIDs[i]) < snapshot.teamName(teamIDs[j])
	})

	var b strings.Builder
	for _, teamID := range teamIDs {
		creates := plan.Create[teamID]
		updates := plan.Update[teamID]
		if len(creates) == 0 && len(updates) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s\n", snapshot.teamName(teamID))
		if len(creates) > 0 {
			b.WriteString("  Labels to create\n")
			for _, name := range sortedNames(creates) {
				label := creates[name]
				fmt.Fprintf(&b, "    %s (based on %s)\n", describeLabel(label), snapshot.teamName(label.TeamID))
			}
		}
		if len(updates) > 0 {
			b.WriteString("  Labels to update\n")
			for _, name := range sortedNames(updates) {
				label := updates[name]
				fmt.Fprintf(&b, "    %s (changed in %s)\n", describeLabel(label), snapshot.teamName(label.TeamID))
			}
		}
	}
	return b.String()
}

func describeLabel(label tracker.Label) string {
	out := fmt.Sprintf("%s [%s]", label.Name, label.Color)
	if label.Description != "" {
		out += ": " + label.Description
	}
	return out
}

func sortedNames(byName map[string]tracker.Label) []string {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedTeams(changes map[string]map[string]tracker.Label) []string {
	ids := make([]string, 0, len(changes))
	for id := range changes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
