package patterns

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bayline/internal/directory"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store"
	"github.com/friendsincode/bayline/internal/store/storetest"
)

const sample = `
branches:
  - code: HR
    name: Harbour Road
    timezone: Europe/London
    opens_at: "08:00"
    closes_at: "17:30"
    slot_minutes: 30
    hours:
      - weekday: 0
        closed: true
      - weekday: 6
        opens_at: "09:00"
        closes_at: "13:00"
    bays:
      - code: A1
        name: Lift one
      - code: T1
        name: Tyre bay
        accepts_bookings: false
        service_types: [tyres]
    patterns:
      - name: fleet mornings
        rrule: "FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR"
        start_time: "08:00"
        end_time: "10:00"
        category: fleet
        priority_order: 1
        bays: [A1]
`

func TestParseAndImport(t *testing.T) {
	f, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.Branches) != 1 || len(f.Branches[0].Bays) != 2 || len(f.Branches[0].Patterns) != 1 {
		t.Fatalf("unexpected document %+v", f)
	}

	st, db := storetest.Open(t)
	im := NewImporter(st, directory.New(st, nil, nil, zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := im.Import(ctx, f)
		if err != nil {
			t.Fatalf("import %d: %v", i, err)
		}
		if res.Branches != 1 || res.Bays != 2 || res.Rules != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
	}

	var branches, bays, rules int64
	db.Model(&models.Branch{}).Count(&branches)
	db.Model(&models.ServiceBay{}).Count(&bays)
	db.Model(&models.PatternRule{}).Count(&rules)
	if branches != 1 || bays != 2 || rules != 1 {
		t.Fatalf("reimport duplicated rows: %d branches, %d bays, %d rules", branches, bays, rules)
	}

	var rule models.PatternRule
	if err := db.First(&rule).Error; err != nil {
		t.Fatalf("load rule: %v", err)
	}
	var lift models.ServiceBay
	if err := db.First(&lift, "code = ?", "A1").Error; err != nil {
		t.Fatalf("load bay: %v", err)
	}
	if rule.Category != models.CategoryFleet || len(rule.BayIDs) != 1 || rule.BayIDs[0] != lift.ID || !rule.Active {
		t.Fatalf("unexpected rule %+v", rule)
	}

	branch, err := store.GetBranch(db, rule.BranchID)
	if err != nil {
		t.Fatalf("load branch: %v", err)
	}
	if branch.Timezone != "Europe/London" || len(branch.Hours) != 2 {
		t.Fatalf("unexpected branch %+v", branch)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("branches:\n  - code: HR\n    name: x\n    colour: red\n"))
	if err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestImportRejectsBadRule(t *testing.T) {
	doc := `
branches:
  - code: HR
    name: Harbour Road
    opens_at: "08:00"
    closes_at: "17:00"
    patterns:
      - name: broken
        start_time: "8am"
        end_time: "10:00"
`
	f, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	st, _ := storetest.Open(t)
	im := NewImporter(st, directory.New(st, nil, nil, zerolog.Nop()), zerolog.Nop())
	if _, err := im.Import(context.Background(), f); !errors.Is(err, slots.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}
