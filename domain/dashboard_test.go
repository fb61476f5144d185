package domain

import (
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/go-cmp/cmp"
)

func TestDealsChartSeries(t *testing.T) {
	payload := `[
		{"id":"1","title":"WON","dealsAggregate":[
			{"groupBy":{"closeDateMonth":3,"closeDateYear":2024},"sum":{"value":12500}},
			{"groupBy":{"closeDateMonth":1,"closeDateYear":2024},"sum":{"value":3000}},
			{"groupBy":{"closeDateMonth":null,"closeDateYear":2024},"sum":{"value":1}}
		]},
		{"id":"2","title":"LOST","dealsAggregate":[
			{"groupBy":{"closeDateMonth":1,"closeDateYear":2024},"sum":{"value":null}}
		]},
		{"id":"3","title":"NEW","dealsAggregate":[
			{"groupBy":{"closeDateMonth":2,"closeDateYear":2024},"sum":{"value":99}}
		]}
	]`
	var stages []DealStage
	if err := sonic.Unmarshal([]byte(payload), &stages); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got := DealsChartSeries(stages)

	jan := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).Unix()
	mar := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC).Unix()
	want := []ChartPoint{
		{TimeUnix: jan, TimeText: "Jan 2024", Value: 3000, ValueText: "$3k", State: "Won"},
		{TimeUnix: jan, TimeText: "Jan 2024", Value: 0, ValueText: "$0k", State: "Lost"},
		{TimeUnix: mar, TimeText: "Mar 2024", Value: 12500, ValueText: "$12.5k", State: "Won"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected series (-want +got):\n%s", diff)
	}
}

func TestDealsChartSeriesEmpty(t *testing.T) {
	got := DealsChartSeries(nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil series, got %#v", got)
	}
}

func TestBuildActivities(t *testing.T) {
	created := time.Date(2024, time.May, 7, 14, 5, 0, 0, time.UTC)
	audits := []Audit{
		{ID: "a1", Action: AuditCreate, TargetID: "10", User: &User{Name: "Ann"}},
		{ID: "a2", Action: AuditUpdate, TargetID: "11", User: &User{Name: "Bob"}},
		{ID: "a3", Action: AuditUpdate},
	}
	deals := []Deal{
		{
			ID:        "10",
			Title:     "Big deal",
			CreatedAt: &created,
			Stage:     &Stage{Title: "NEW"},
			Company:   &Company{Name: "Acme", AvatarURL: "https://img/acme.png"},
		},
	}

	if ids := AuditTargetIDs(audits); !cmp.Equal(ids, []string{"10", "11"}) {
		t.Fatalf("unexpected target ids: %v", ids)
	}

	got := BuildActivities(audits, deals)
	want := []Activity{
		{
			ID: "a1", When: "May 07, 2024 - 14:05", UserName: "Ann", Verb: "created",
			DealTitle: "Big deal", Preposition: "in", StageTitle: "NEW",
			CompanyName: "Acme", CompanyAvatarURL: "https://img/acme.png",
		},
		{ID: "a2", When: "—", UserName: "Bob", Verb: "moved", Preposition: "to"},
		{ID: "a3", When: "—", Verb: "moved", Preposition: "to"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected activities (-want +got):\n%s", diff)
	}
}
