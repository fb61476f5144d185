package domain

import "time"

// Audit actions reported by the data source.
const (
	AuditCreate = "CREATE"
	AuditUpdate = "UPDATE"
)

const (
	activityTimeLayout = "Jan 02, 2006 - 15:04"
	activityUnknown    = "—"
)

// Audit is one entry of the data source's change log.
type Audit struct {
	ID           ID        `json:"id"`
	Action       string    `json:"action"`
	TargetEntity string    `json:"targetEntity"`
	TargetID     ID        `json:"targetId"`
	CreatedAt    time.Time `json:"createdAt"`
	User         *User     `json:"user"`
}

// Company is the owner of a deal.
type Company struct {
	ID        ID     `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Deal is the subject of a latest-activities entry.
type Deal struct {
	ID        ID         `json:"id"`
	Title     string     `json:"title"`
	CreatedAt *time.Time `json:"createdAt"`
	Stage     *Stage     `json:"stage"`
	Company   *Company   `json:"company"`
}

// Activity is a rendered line of the latest-activities feed.
type Activity struct {
	ID               ID     `json:"id"`
	When             string `json:"when"`
	UserName         string `json:"userName"`
	Verb             string `json:"verb"`
	DealTitle        string `json:"dealTitle"`
	Preposition      string `json:"preposition"`
	StageTitle       string `json:"stageTitle"`
	CompanyName      string `json:"companyName"`
	CompanyAvatarURL string `json:"companyAvatarUrl,omitempty"`
}

// AuditTargetIDs returns the deal ids referenced by audits, in audit order.
func AuditTargetIDs(audits []Audit) []string {
	ids := make([]string, 0, len(audits))
	for _, a := range audits {
		if a.TargetID == "" {
			continue
		}
		ids = append(ids, string(a.TargetID))
	}
	return ids
}

// BuildActivities joins audits with the deals they point at. Audits keep
// their order; an audit whose deal is unknown still yields an entry.
func BuildActivities(audits []Audit, deals []Deal) []Activity {
	byID := make(map[ID]Deal, len(deals))
	for _, d := range deals {
		if _, ok := byID[d.ID]; !ok {
			byID[d.ID] = d
		}
	}

	out := make([]Activity, 0, len(audits))
	for _, a := range audits {
		act := Activity{ID: a.ID, When: activityUnknown, Verb: "moved", Preposition: "to"}
		if a.Action == AuditCreate {
			act.Verb, act.Preposition = "created", "in"
		}
		if a.User != nil {
			act.UserName = a.User.Name
		}
		if d, ok := byID[a.TargetID]; ok {
			act.DealTitle = d.Title
			if d.CreatedAt != nil {
				act.When = d.CreatedAt.UTC().Format(activityTimeLayout)
			}
			if d.Stage != nil {
				act.StageTitle = d.Stage.Title
			}
			if d.Company != nil {
				act.CompanyName = d.Company.Name
				act.CompanyAvatarURL = d.Company.AvatarURL
			}
		}
		out = append(out, act)
	}
	return out
}
