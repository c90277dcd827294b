package jobs

// QuotaCategory groups quota entries for display
type QuotaCategory string

const (
	QuotaRunningJobs    QuotaCategory = "Running jobs"
	QuotaPerJobLimits   QuotaCategory = "Per-job limits"
	QuotaJobDefinitions QuotaCategory = "Job definitions"
)

// QuotaCategories lists the categories in display order.
var QuotaCategories = []QuotaCategory{QuotaRunningJobs, QuotaPerJobLimits, QuotaJobDefinitions}

// QuotaData is a single quota value read from the cluster.
type QuotaData struct {
	Category QuotaCategory
	Name     string
	Limit    string
	Used     string
}

type QuotaEntry struct {
	Name  string `json:"name"`
	Limit string `json:"limit"`
	Used  string `json:"used,omitempty"`
}

type QuotaGroup struct {
	Name  string       `json:"name"`
	Items []QuotaEntry `json:"items"`
}

type Quota struct {
	Categories []QuotaGroup `json:"categories"`
}

// QuotaFromData groups data by category. Every category shows up, even
// when it has no entries.
func QuotaFromData(data []QuotaData) Quota {
	quota := Quota{Categories: make([]QuotaGroup, 0, len(QuotaCategories))}
	for _, category := range QuotaCategories {
		group := QuotaGroup{Name: string(category), Items: []QuotaEntry{}}
		for _, d := range data {
			if d.Category == category {
				group.Items = append(group.Items, QuotaEntry{Name: d.Name, Limit: d.Limit, Used: d.Used})
			}
		}
		quota.Categories = append(quota.Categories, group)
	}
	return quota
}
