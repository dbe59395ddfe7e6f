package documents

import (
	"strings"
	"time"

	"dispatcherd.io/store"
)

// Classification source tags, mirrored from store.Classified* constants
// for readability at call sites.
const (
	sourceSearchParams = store.ClassifiedFromSearchParams
	sourceExtracted    = store.ClassifiedFromExtracted
	sourceNone         = store.ClassifiedNone
)

// instanceKeywords maps a substring found in a court name to the instance
// type it implies. Checked in order; first match wins, so the more
// specific appellate/cassation keywords are listed before the generic
// first-instance fallback.
var instanceKeywords = []struct {
	substr   string
	instance string
}{
	{"касаційн", "3"},
	{"апеляційн", "2"},
}

// regionKeywords maps a substring of a court name to the registry's
// regional code. A curated dictionary; unmatched names yield no region.
var regionKeywords = map[string]string{
	"вінниц":        "2",
	"волин":         "3",
	"дніпро":        "4",
	"донецьк":       "5",
	"житомир":       "6",
	"закарпат":      "7",
	"запоріж":       "8",
	"івано-франків": "9",
	"київ":          "11",
	"кіровоград":    "12",
	"луган":         "13",
	"львів":         "14",
	"микола":        "15",
	"одес":          "16",
	"полтав":        "17",
	"рівн":          "18",
	"сум":           "19",
	"терноп":        "20",
	"харків":        "21",
	"херсон":        "22",
	"хмельниц":      "23",
	"черкас":        "24",
	"чернівц":       "25",
	"черніг":        "26",
}

// districtCourtKeywords identifies first-instance courts: district, city,
// and circuit courts that were not already matched by an appellate or
// cassation keyword.
var districtCourtKeywords = []string{"районний", "міськ", "окружний", "district", "circuit"}

// classify runs the two-stage classification described in the Document
// Registrar's register operation. It never returns an error: a document
// that cannot be classified is simply unclassified (source "none").
func classify(params *store.SearchParams, courtName *string) (region *string, instance *string, source string, classifiedAt *time.Time) {
	if params != nil {
		region, instance = classifyFromSearchParams(params)
		if region != nil || instance != nil {
			now := time.Now()
			return region, instance, sourceSearchParams, &now
		}
	}

	if courtName != nil {
		region, instance = classifyFromCourtName(*courtName)
		if region != nil && instance != nil {
			now := time.Now()
			return region, instance, sourceExtracted, &now
		}
	}

	return nil, nil, sourceNone, nil
}

func classifyFromSearchParams(params *store.SearchParams) (region, instance *string) {
	if params.CourtRegion != "" {
		r := params.CourtRegion
		region = &r
	}
	if params.INSType == "1" || params.INSType == "2" || params.INSType == "3" {
		i := params.INSType
		instance = &i
	}
	return region, instance
}

func classifyFromCourtName(courtName string) (region, instance *string) {
	lower := strings.ToLower(courtName)

	for _, kw := range instanceKeywords {
		if strings.Contains(lower, kw.substr) {
			i := kw.instance
			instance = &i
			break
		}
	}
	if instance == nil {
		for _, kw := range districtCourtKeywords {
			if strings.Contains(lower, kw) {
				i := "1"
				instance = &i
				break
			}
		}
	}

	for substr, code := range regionKeywords {
		if strings.Contains(lower, substr) {
			c := code
			region = &c
			break
		}
	}

	return region, instance
}
