// Package auth decides whether a request's credential may upload or download
// an object. Credentials resolve to a set of scopes; objects resolve to the
// study they belong to.
package auth

import (
	"strings"
)

// Action is the kind of access a request needs.
type Action int

const (
	ActionUpload Action = iota
	ActionDownload
)

func (a Action) String() string {
	if a == ActionUpload {
		return "upload"
	}
	return "download"
}

// ScopePolicy names the scopes that grant access.
//
// A study scope is StudyPrefix + study + suffix, e.g. "score.BRCA-UK.upload".
// The system scope is SystemScope + suffix, e.g. "score.upload", and grants
// the action on every study.
type ScopePolicy struct {
	StudyPrefix    string `mapstructure:"study_prefix"`
	UploadSuffix   string `mapstructure:"upload_suffix"`
	DownloadSuffix string `mapstructure:"download_suffix"`
	SystemScope    string `mapstructure:"system_scope"`
}

// DefaultScopePolicy returns the default scope naming.
func DefaultScopePolicy() ScopePolicy {
	return ScopePolicy{
		StudyPrefix:    "score.",
		UploadSuffix:   ".upload",
		DownloadSuffix: ".download",
		SystemScope:    "score",
	}
}

func (p ScopePolicy) suffix(a Action) string {
	if a == ActionUpload {
		return p.UploadSuffix
	}
	return p.DownloadSuffix
}

// SystemScopeFor returns the scope granting a on every study.
func (p ScopePolicy) SystemScopeFor(a Action) string {
	return p.SystemScope + p.suffix(a)
}

// StudyScopeFor returns the scope granting a on study.
func (p ScopePolicy) StudyScopeFor(a Action, study string) string {
	return p.StudyPrefix + study + p.suffix(a)
}

// HasSystemScope reports whether scopes grant a on every study.
func (p ScopePolicy) HasSystemScope(scopes []string, a Action) bool {
	want := p.SystemScopeFor(a)
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// Allows reports whether scopes grant a on study. An empty study is only
// granted by the system scope.
func (p ScopePolicy) Allows(scopes []string, a Action, study string) bool {
	if p.HasSystemScope(scopes, a) {
		return true
	}
	if study == "" {
		return false
	}
	want := p.StudyScopeFor(a, study)
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// Studies returns the studies scopes grant a on.
func (p ScopePolicy) Studies(scopes []string, a Action) []string {
	suffix := p.suffix(a)
	var out []string
	for _, s := range scopes {
		if !strings.HasPrefix(s, p.StudyPrefix) || !strings.HasSuffix(s, suffix) {
			continue
		}
		study := strings.TrimSuffix(strings.TrimPrefix(s, p.StudyPrefix), suffix)
		if study != "" && !strings.Contains(study, ".") {
			out = append(out, study)
		}
	}
	return out
}
