package tasks

import "strings"

// Family is one kind of server job. All families share the same routes below
// their base path.
type Family struct {
	Name string
	Path string
	// Tracked families return a TaskMonitoring with a cancel token from Start.
	// Untracked ones are polled against the fixed progress path.
	Tracked bool
}

var (
	DatabaseMigration = Family{Name: "database-migration", Path: "api/maintenance/database", Tracked: true}
	SearchReindex     = Family{Name: "search-reindex", Path: "api/maintenance/search-index", Tracked: true}
	Startup           = Family{Name: "startup", Path: "api/startup", Tracked: false}
	SubmissionReport  = Family{Name: "submission-report", Path: "api/submissions/report", Tracked: true}
)

// Families lists the predefined families.
func Families() []Family {
	return []Family{DatabaseMigration, SearchReindex, Startup, SubmissionReport}
}

// FamilyByName finds a predefined family.
func FamilyByName(name string) (Family, bool) {
	for _, f := range Families() {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Family{}, false
}

func (f Family) progressPath(token string) string {
	if token == "" {
		return f.Path + "/progress"
	}
	return f.Path + "/progress/" + token
}

func (f Family) cancelPath(token string) string {
	return f.Path + "/cancel/" + token
}
