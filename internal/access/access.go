// Package access resolves which (repository, branch) pairs a query may
// touch. Resolution is pure set logic over the caller's grants; it never
// widens scope and never silently narrows an explicit override away.
package access

import (
	"sort"

	"github.com/quarrydev/quarry/pkg/types"
)

// CapabilitySet is a caller's granted scopes: for each repository, the
// branches the caller may search. The default branch per repository is
// what an unqualified query resolves to.
type CapabilitySet struct {
	// Branches maps repository to its granted branch names.
	Branches map[string][]string
	// Defaults maps repository to the branch an unqualified query uses.
	// A repository without a default falls back to "main" when granted.
	Defaults map[string]string
}

// FallbackBranch is used when a repository has no recorded default.
const FallbackBranch = "main"

// Request narrows a query's scope. An empty Repositories slice means
// every granted repository; an empty Branch means each repository's
// default branch.
type Request struct {
	Repositories []string
	// Branch is an explicit branch override applying to every requested
	// repository.
	Branch string
}

// Resolve computes the scopes a query will run against. Explicit branch
// overrides outside the grant fail with ErrBranchNotPermitted rather
// than shrinking silently; a resolution that ends empty fails with
// ErrNoPermittedScope so callers can tell "nothing allowed" apart from
// "nothing found".
func Resolve(grants CapabilitySet, req Request) ([]types.RepoBranch, error) {
	repositories := req.Repositories
	if len(repositories) == 0 {
		repositories = make([]string, 0, len(grants.Branches))
		for repo := range grants.Branches {
			repositories = append(repositories, repo)
		}
		sort.Strings(repositories)
	}

	scopes := make([]types.RepoBranch, 0, len(repositories))
	for _, repo := range repositories {
		granted, ok := grants.Branches[repo]
		if !ok {
			// A repository named explicitly but not granted at all is a
			// permission failure, not an empty result.
			if len(req.Repositories) > 0 {
				return nil, types.ErrBranchNotPermitted
			}
			continue
		}

		branch := req.Branch
		if branch == "" {
			branch = grants.Defaults[repo]
			if branch == "" {
				branch = FallbackBranch
			}
		}

		if !contains(granted, branch) {
			if req.Branch != "" {
				return nil, types.ErrBranchNotPermitted
			}
			// The default itself is not granted; this repository simply
			// contributes no scope.
			continue
		}
		scopes = append(scopes, types.RepoBranch{Repository: repo, Branch: branch})
	}

	if len(scopes) == 0 {
		return nil, types.ErrNoPermittedScope
	}
	return scopes, nil
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
