package item

import (
	"errors"
	"fmt"
)

// Revision identifies a commit to run CI against.
type Revision struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	SHA         string `json:"sha"`
	Branch      string `json:"branch,omitempty"`
	PullRequest int    `json:"pull_request,omitempty"`
}

// ErrInvalidRevision is returned by Validate.
var ErrInvalidRevision = errors.New("item: invalid revision")

// Validate checks the fields required for submission.
func (r Revision) Validate() error {
	switch {
	case r.Owner == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidRevision)
	case r.Repo == "":
		return fmt.Errorf("%w: repo is required", ErrInvalidRevision)
	case r.SHA == "":
		return fmt.Errorf("%w: sha is required", ErrInvalidRevision)
	case r.PullRequest < 0:
		return fmt.Errorf("%w: negative pull request", ErrInvalidRevision)
	}
	return nil
}

// Matches reports whether r satisfies needle. Every non-zero field of needle
// must equal the corresponding field of r, so a needle with only Owner and
// Repo set matches every revision of that repository.
func (r Revision) Matches(needle Revision) bool {
	if needle.Owner != "" && needle.Owner != r.Owner {
		return false
	}
	if needle.Repo != "" && needle.Repo != r.Repo {
		return false
	}
	if needle.SHA != "" && needle.SHA != r.SHA {
		return false
	}
	if needle.Branch != "" && needle.Branch != r.Branch {
		return false
	}
	if needle.PullRequest != 0 && needle.PullRequest != r.PullRequest {
		return false
	}
	return true
}

// IsZero reports whether no field is set.
func (r Revision) IsZero() bool { return r == Revision{} }

// String renders owner/repo@sha7.
func (r Revision) String() string {
	sha := r.SHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return r.Owner + "/" + r.Repo + "@" + sha
}
