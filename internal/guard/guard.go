// Package guard enforces per-user and per-repository quotas and screens
// addresses against domain blocklists and pattern rules.
//
// Counters live in Redis and are mutated only by single Lua scripts, so no
// lock is needed around them.
package guard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	counterTTL        = 24 * time.Hour
	blockedDomainsKey = "abuse:blocked_domains"
)

// DefaultBlockedDomains are well-known disposable-mail providers.
var DefaultBlockedDomains = []string{
	"mailinator.com", "guerrillamail.com", "10minutemail.com", "tempmail.com",
	"temp-mail.org", "throwawaymail.com", "yopmail.com", "trashmail.com",
	"getnada.com", "sharklasers.com", "dispostable.com", "maildrop.cc", "fakeinbox.com",
}

// DefaultBlockedPatterns catch role and throwaway local parts.
var DefaultBlockedPatterns = []string{
	`^test\d+@`,
	`^noreply@`,
	`^no-reply@`,
	`^donotreply@`,
}

// Limits are the configured quotas.
type Limits struct {
	DailyUploads     int
	MaxRowsPerUpload int
	MinAccountAge    time.Duration
	MinKarma         int
}

// Rules are the static screening rules. Nil slices select the defaults.
type Rules struct {
	BlockedDomains  []string
	BlockedPatterns []string
}

// Request describes an upload at preflight time. Account age and karma are
// supplied by the caller; the guard only compares them.
type Request struct {
	UploaderID     string
	RepositoryID   string
	CandidateCount int
	AccountAge     time.Duration
	Karma          int
}

// Guard is the rate and abuse guard.
type Guard struct {
	redis    *redis.Client
	limits   Limits
	domains  map[string]bool
	patterns []*regexp.Regexp
}

// New compiles the rules and returns a Guard.
func New(client *redis.Client, limits Limits, rules Rules) (*Guard, error) {
	if rules.BlockedDomains == nil {
		rules.BlockedDomains = DefaultBlockedDomains
	}
	if rules.BlockedPatterns == nil {
		rules.BlockedPatterns = DefaultBlockedPatterns
	}
	g := &Guard{redis: client, limits: limits, domains: make(map[string]bool)}
	for _, d := range rules.BlockedDomains {
		g.domains[strings.ToLower(strings.TrimSpace(d))] = true
	}
	for _, p := range rules.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("guard: pattern %q: %w", p, err)
		}
		g.patterns = append(g.patterns, re)
	}
	return g, nil
}

// UploadsKey is the per-user daily upload counter.
func UploadsKey(userID string) string { return fmt.Sprintf("ratelimit:%s:uploads:daily", userID) }

// AddsKey is the per-repository daily add budget.
func AddsKey(repositoryID string) string {
	return fmt.Sprintf("ratelimit:repo:%s:adds:daily", repositoryID)
}

// BlockedUserKey flags an uploader as blocked.
func BlockedUserKey(userID string) string { return fmt.Sprintf("abuse:blocked_user:%s", userID) }

// Preflight rejects obviously over-limit uploads before any other I/O. On
// success it consumes one of the uploader's daily uploads; call RefundUpload
// if the upload is then abandoned.
func (g *Guard) Preflight(ctx context.Context, req Request) error {
	if g.limits.MinAccountAge > 0 && req.AccountAge < g.limits.MinAccountAge {
		return &DeniedError{Reason: ReasonAccountTooNew}
	}
	if req.Karma < g.limits.MinKarma {
		return &DeniedError{Reason: ReasonInsufficientKarma, Limit: int64(g.limits.MinKarma), Current: int64(req.Karma)}
	}
	if g.limits.MaxRowsPerUpload > 0 && req.CandidateCount > g.limits.MaxRowsPerUpload {
		return &DeniedError{Reason: ReasonRowLimit, Limit: int64(g.limits.MaxRowsPerUpload), Current: int64(req.CandidateCount)}
	}
	if err := g.checkBlocked(ctx, req.UploaderID); err != nil {
		return err
	}
	if g.limits.DailyUploads <= 0 {
		return nil
	}

	res, err := uploadScript.Run(ctx, g.redis, []string{UploadsKey(req.UploaderID)},
		g.limits.DailyUploads, int(counterTTL.Seconds())).Int64Slice()
	if err != nil {
		return fmt.Errorf("guard: upload counter: %w", err)
	}
	if res[0] == 0 {
		logger.Info("upload denied", "component", "guard", "uploader_id", req.UploaderID, "reason", string(ReasonDailyUploadLimit))
		return &DeniedError{Reason: ReasonDailyUploadLimit, Limit: int64(g.limits.DailyUploads), Current: res[1]}
	}
	return nil
}

// RefundUpload gives back a daily upload consumed by Preflight.
func (g *Guard) RefundUpload(ctx context.Context, uploaderID string) error {
	if g.limits.DailyUploads <= 0 {
		return nil
	}
	if err := refundScript.Run(ctx, g.redis, []string{UploadsKey(uploaderID)}, 1).Err(); err != nil {
		return fmt.Errorf("guard: refund upload: %w", err)
	}
	return nil
}

// UploadsToday returns the uploader's counter.
func (g *Guard) UploadsToday(ctx context.Context, uploaderID string) (int64, error) {
	n, err := g.redis.Get(ctx, UploadsKey(uploaderID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// CheckBatch re-validates an in-flight upload before a batch commits: the
// uploader must not have been blocked since enqueue, and the repository's
// daily add budget is drawn down by up to want. It returns how many adds
// were granted; unused grants go back via RefundAdds.
func (g *Guard) CheckBatch(ctx context.Context, uploaderID, repositoryID string, want, dailyAddLimit int) (int, error) {
	if err := g.checkBlocked(ctx, uploaderID); err != nil {
		return 0, err
	}
	if want <= 0 {
		return 0, nil
	}
	if dailyAddLimit <= 0 {
		return want, nil
	}

	res, err := grantScript.Run(ctx, g.redis, []string{AddsKey(repositoryID)},
		want, dailyAddLimit, int(counterTTL.Seconds())).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("guard: add budget: %w", err)
	}
	granted := int(res[0])
	if granted < want {
		logger.Info("repository add budget exhausted", "component", "guard",
			"repository_id", repositoryID, "wanted", want, "granted", granted)
	}
	return granted, nil
}

// RefundAdds returns n unused adds to the repository budget.
func (g *Guard) RefundAdds(ctx context.Context, repositoryID string, n int) error {
	if n <= 0 {
		return nil
	}
	if err := refundScript.Run(ctx, g.redis, []string{AddsKey(repositoryID)}, n).Err(); err != nil {
		return fmt.Errorf("guard: refund adds: %w", err)
	}
	return nil
}

// Screen returns a rejection reason for every blocked address. Addresses
// are expected to be normalized already.
func (g *Guard) Screen(ctx context.Context, emails []string) (map[string]domain.Reason, error) {
	out := make(map[string]domain.Reason)
	pending := make(map[string][]string) // domain -> addresses still to check remotely

	for _, email := range emails {
		at := strings.LastIndexByte(email, '@')
		if at < 0 {
			continue
		}
		host := email[at+1:]
		if g.domainBlocked(host) {
			out[email] = domain.ReasonBlockedDomain
			continue
		}
		if g.patternBlocked(email) {
			out[email] = domain.ReasonBlockedPattern
			continue
		}
		pending[host] = append(pending[host], email)
	}
	if len(pending) == 0 || g.redis == nil {
		return out, nil
	}

	hosts := make([]string, 0, len(pending))
	pipe := g.redis.Pipeline()
	cmds := make([]*redis.BoolCmd, 0, len(pending))
	for host := range pending {
		hosts = append(hosts, host)
		cmds = append(cmds, pipe.SIsMember(ctx, blockedDomainsKey, host))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("guard: blocked domains: %w", err)
	}
	for i, cmd := range cmds {
		if cmd.Val() {
			for _, email := range pending[hosts[i]] {
				out[email] = domain.ReasonBlockedDomain
			}
		}
	}
	return out, nil
}

// BlockDomain adds a domain to the dynamic blocklist.
func (g *Guard) BlockDomain(ctx context.Context, host string) error {
	return g.redis.SAdd(ctx, blockedDomainsKey, strings.ToLower(strings.TrimSpace(host))).Err()
}

// BlockUser flags an uploader; ttl 0 blocks until cleared.
func (g *Guard) BlockUser(ctx context.Context, userID string, ttl time.Duration) error {
	return g.redis.Set(ctx, BlockedUserKey(userID), "1", ttl).Err()
}

// UnblockUser clears the flag.
func (g *Guard) UnblockUser(ctx context.Context, userID string) error {
	return g.redis.Del(ctx, BlockedUserKey(userID)).Err()
}

func (g *Guard) checkBlocked(ctx context.Context, userID string) error {
	n, err := g.redis.Exists(ctx, BlockedUserKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("guard: blocked user: %w", err)
	}
	if n > 0 {
		return &DeniedError{Reason: ReasonUploaderBlocked}
	}
	return nil
}

// domainBlocked matches the host and each parent domain.
func (g *Guard) domainBlocked(host string) bool {
	for h := host; h != ""; {
		if g.domains[h] {
			return true
		}
		dot := strings.IndexByte(h, '.')
		if dot < 0 {
			break
		}
		h = h[dot+1:]
	}
	return false
}

func (g *Guard) patternBlocked(email string) bool {
	for _, re := range g.patterns {
		if re.MatchString(email) {
			return true
		}
	}
	return false
}
