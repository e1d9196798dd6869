package scorer

import "fmt"

// Score values, one per heuristic. Each rule raises the running score to
// the max of its current value and the rule's own value; scoring never
// decreases.
const (
	ScorePopular          = 4
	ScoreTyposquat        = 7
	ScoreImportHijack     = 10
	ScoreUseAfterFree     = 10
	ScoreDependencyConfusion = 10
)

// PopularEntry is one row of the popularity snapshot.
type PopularEntry struct {
	Project       string
	DownloadCount int64
}

// Lookups is the set of store queries the scorer needs. It is satisfied by
// the metadata store (internal/store) but kept as a narrow interface here so
// the scorer can be tested without a database.
type Lookups interface {
	// AliasOwner returns the project name that registered name as an
	// import_name, if one exists and differs from name itself.
	AliasOwner(name string) (owner string, ok bool, err error)
	// RemovedProjectExists reports whether a removed project with this
	// name exists (name-reuse / use-after-free detection).
	RemovedProjectExists(name string) (bool, error)
	// PrivateProjectExists reports whether a private-registry project
	// with this name is configured (dependency-confusion detection).
	PrivateProjectExists(name string) (bool, error)
}

// Result is the suspicion score plus the ordered list of human-readable
// reasons that contributed to it.
type Result struct {
	Score   int
	Reasons []string
}

func (r *Result) raise(score int, reason string) {
	if score > r.Score {
		r.Score = score
	}
	r.Reasons = append(r.Reasons, reason)
}

// Score computes the suspicion score for a candidate project name,
// applying the heuristics in a fixed order: popularity match, typosquatting
// (Levenshtein then permutation), import-name hijacking, use-after-free,
// dependency confusion.
func Score(name string, popular []PopularEntry, levenshteinDistance int, lookups Lookups) (Result, error) {
	var res Result

	for _, p := range popular {
		switch {
		case p.Project == name:
			res.raise(ScorePopular, fmt.Sprintf("popular project downloaded %d times", p.DownloadCount))
		case DetectLevenshtein(name, p.Project, levenshteinDistance):
			res.raise(ScoreTyposquat, fmt.Sprintf("typosquatting of %s", p.Project))
		case DetectPermutation(name, p.Project):
			res.raise(ScoreTyposquat, fmt.Sprintf("typosquatting of %s", p.Project))
		}
	}

	if owner, ok, err := lookups.AliasOwner(name); err != nil {
		return res, err
	} else if ok && owner != name {
		res.raise(ScoreImportHijack, "import-name hijacking")
	}

	if removed, err := lookups.RemovedProjectExists(name); err != nil {
		return res, err
	} else if removed {
		res.raise(ScoreUseAfterFree, "project use-after-free")
	}

	if private, err := lookups.PrivateProjectExists(name); err != nil {
		return res, err
	} else if private {
		res.raise(ScoreDependencyConfusion, "dependency confusion")
	}

	return res, nil
}
