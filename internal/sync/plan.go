package sync

import (
	"fmt"
	"strings"

	"github.com/ordolab/bdpm-sync/internal/bdpm"
	"github.com/ordolab/bdpm-sync/internal/enrich"
	"github.com/ordolab/bdpm-sync/pkg/airtable"
)

// syncedFields are the columns the pipeline owns. The classification code is
// deliberately absent: it is written by the enrichment pass only, and a sync
// must never clobber a recovered code.
var syncedFields = []string{
	airtable.FieldCIS,
	airtable.FieldSpecialite,
	airtable.FieldForme,
	airtable.FieldVoie,
	airtable.FieldLaboratoire,
	airtable.FieldCIP13,
	airtable.FieldCPD,
	airtable.FieldRCPLink,
	airtable.FieldDispo,
}

// Plan is the reconciliation outcome: what to write and what to remove.
type Plan struct {
	// Upserts covers creates and changed records; the merge key routes each
	// to the right operation remotely.
	Upserts []airtable.Fields
	// DeleteIDs are remote record ids whose CIS left the registry.
	DeleteIDs []string

	Creates   int
	Updates   int
	Unchanged int
}

// desiredFields builds the target cell values for one registry record,
// folding in the companion files and the retrocession list.
func desiredFields(rec bdpm.Record, pres map[string]bdpm.Presentation, cpd map[string]string, retro map[string]bool) airtable.Fields {
	fields := airtable.Fields{
		airtable.FieldCIS:         rec.CIS,
		airtable.FieldSpecialite:  rec.Specialite,
		airtable.FieldForme:       rec.Forme,
		airtable.FieldVoie:        rec.Voie,
		airtable.FieldLaboratoire: rec.Laboratoire,
		airtable.FieldRCPLink:     enrich.RCPPageURL(rec.CIS),
	}

	// Companion fields are always set: an empty string clears a remote cell
	// whose value disappeared upstream, so the diff converges.
	p := pres[rec.CIS]
	fields[airtable.FieldCIP13] = p.CIP13
	fields[airtable.FieldCPD] = cpd[rec.CIS]
	fields[airtable.FieldDispo] = availability(p.Reimbursed, retro[rec.CIS])

	return fields
}

// availability summarizes where a drug can be obtained, from the city
// reimbursement flag and the hospital retrocession list.
func availability(reimbursed, retro bool) string {
	switch {
	case reimbursed && retro:
		return "Ville et rétrocession"
	case retro:
		return "Rétrocession hospitalière"
	case reimbursed:
		return "Ville"
	default:
		return ""
	}
}

// BuildPlan diffs the desired registry state against the remote inventory.
// Records whose synced fields all match remotely are left untouched.
func BuildPlan(records []bdpm.Record, pres map[string]bdpm.Presentation, cpd map[string]string, retro map[string]bool, remote []airtable.Record) Plan {
	byCIS := make(map[string]airtable.Record, len(remote))
	for _, r := range remote {
		if cis := cellString(r.Fields[airtable.FieldCIS]); cis != "" {
			byCIS[cis] = r
		}
	}

	var plan Plan
	desired := make(map[string]bool, len(records))
	for _, rec := range records {
		desired[rec.CIS] = true
		fields := desiredFields(rec, pres, cpd, retro)

		existing, ok := byCIS[rec.CIS]
		switch {
		case !ok:
			plan.Creates++
			plan.Upserts = append(plan.Upserts, fields)
		case fieldsDiffer(fields, existing.Fields):
			plan.Updates++
			plan.Upserts = append(plan.Upserts, fields)
		default:
			plan.Unchanged++
		}
	}

	for _, r := range remote {
		if cis := cellString(r.Fields[airtable.FieldCIS]); cis != "" && !desired[cis] {
			plan.DeleteIDs = append(plan.DeleteIDs, r.ID)
		}
	}

	return plan
}

// fieldsDiffer reports whether any synced field differs between the desired
// values and the remote cells.
func fieldsDiffer(desired, remote airtable.Fields) bool {
	for _, name := range syncedFields {
		want := cellString(desired[name])
		have := cellString(remote[name])
		if want != have {
			return true
		}
	}
	return false
}

// cellString flattens an Airtable cell value for comparison. Numbers come
// back as float64 from the JSON decoder.
func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", t))
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}
