// Package gitclient clones repositories into the workspace. URLs are
// validated before anything touches the network, clone runs through exec
// argv (never a shell), and credentials are redacted from logs and errors.
package gitclient

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/security"
	"github.com/boxlet-dev/boxlet/sandbox/internal/files"
	"github.com/boxlet-dev/boxlet/sandbox/internal/session"
)

// Shell metacharacters never valid in a git URL.
const shellMeta = ";|&$`<>(){}[]*?!#~\n\r\t '\""

var (
	scpLikeRe  = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[A-Za-z0-9._~/-]+$`)
	userinfoRe = regexp.MustCompile(`(https?|ssh)://[^/@\s]+@`)
)

// Client clones git repositories.
type Client struct {
	log      *logger.Logger
	files    *files.Service
	sessions *session.Manager
}

// New creates a Client.
func New(log *logger.Logger, fsvc *files.Service, sessions *session.Manager) *Client {
	return &Client{log: log, files: fsvc, sessions: sessions}
}

// ValidateURL accepts https://, ssh:// and scp-like git@host:path URLs and
// rejects everything else, including any URL containing shell
// metacharacters.
func (c *Client) ValidateURL(repoURL string) error {
	if repoURL == "" {
		return apierror.Validation(apierror.FieldError{Field: "repoUrl", Message: "repoUrl is required"})
	}
	if strings.ContainsAny(repoURL, shellMeta) {
		security.LogEvent(c.log.Sugar(), security.EventMaliciousGitURLBlocked, security.SeverityHigh,
			map[string]any{"url": security.RedactURL(repoURL)})
		return apierror.SecurityViolation(apierror.ViolationMaliciousURL, security.RedactURL(repoURL),
			"git URL contains forbidden characters")
	}
	switch {
	case strings.HasPrefix(repoURL, "https://"), strings.HasPrefix(repoURL, "ssh://"):
		return nil
	case scpLikeRe.MatchString(repoURL):
		return nil
	default:
		return apierror.Newf(apierror.CodeInvalidGitURL,
			"unsupported git URL scheme: only https and ssh are allowed")
	}
}

// CheckoutResult describes a finished clone.
type CheckoutResult struct {
	RepoURL   string `json:"repoUrl"`
	TargetDir string `json:"targetDir"`
	Branch    string `json:"branch,omitempty"`
	Depth     int    `json:"depth"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exitCode"`
}

// Checkout clones req.RepoURL into the workspace. TargetDir defaults to the
// repository name, depth to 1.
func (c *Client) Checkout(ctx context.Context, req schema.GitCheckoutRequest) (CheckoutResult, error) {
	if err := c.ValidateURL(req.RepoURL); err != nil {
		return CheckoutResult{}, err
	}

	target := req.TargetDir
	if target == "" {
		target = repoName(req.RepoURL)
	}
	absTarget, err := c.files.Resolve(target)
	if err != nil {
		return CheckoutResult{}, err
	}

	depth := req.Depth
	if depth <= 0 {
		depth = 1
	}

	args := []string{"clone", "--depth", strconv.Itoa(depth)}
	if req.Branch != "" {
		args = append(args, "--branch", req.Branch)
	}
	args = append(args, req.RepoURL, absTarget)

	resolved := c.sessions.Resolve(session.Overrides{SessionID: req.SessionID})

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(resolved.Env, "GIT_TERMINAL_PROMPT=0")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.log.Info("git clone started",
		"repoUrl", security.RedactURL(req.RepoURL), "targetDir", target, "branch", req.Branch, "depth", depth)

	if err := cmd.Run(); err != nil {
		return CheckoutResult{}, classifyCloneError(req, stderr.String(), err)
	}

	c.log.Info("git clone finished", "repoUrl", security.RedactURL(req.RepoURL), "targetDir", target)
	return CheckoutResult{
		RepoURL:   security.RedactURL(req.RepoURL),
		TargetDir: target,
		Branch:    req.Branch,
		Depth:     depth,
		Stdout:    stdout.String(),
		Stderr:    redactText(stderr.String()),
		ExitCode:  0,
	}, nil
}

// classifyCloneError maps git's stderr onto the wire taxonomy. The raw
// stderr may carry credentials, so only a redacted summary is exposed.
func classifyCloneError(req schema.GitCheckoutRequest, stderr string, cause error) error {
	lower := strings.ToLower(stderr)
	redactedURL := security.RedactURL(req.RepoURL)

	switch {
	case strings.Contains(lower, "remote branch") && strings.Contains(lower, "not found"),
		strings.Contains(lower, "couldn't find remote ref"):
		return apierror.Newf(apierror.CodeGitBranchNotFound, "branch not found: %s", req.Branch).Wrap(cause)
	case strings.Contains(lower, "repository not found"),
		strings.Contains(lower, "does not appear to be a git repository"),
		strings.Contains(lower, "not found"):
		return apierror.Newf(apierror.CodeGitRepoNotFound, "repository not found: %s", redactedURL).Wrap(cause)
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "could not read password"),
		strings.Contains(lower, "permission denied (publickey)"),
		strings.Contains(lower, "invalid credentials"):
		return apierror.Newf(apierror.CodeGitAuth, "authentication failed for %s", redactedURL).Wrap(cause)
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "unable to access"):
		return apierror.Newf(apierror.CodeGitNetwork, "network error reaching %s", redactedURL).Wrap(cause)
	default:
		return apierror.Newf(apierror.CodeGitClone, "git clone failed for %s", redactedURL).Wrap(cause)
	}
}

// redactText strips userinfo from any URL embedded in free text.
func redactText(s string) string {
	return userinfoRe.ReplaceAllString(s, "$1://***@")
}

func repoName(repoURL string) string {
	trimmed := strings.TrimSuffix(repoURL, "/")
	trimmed = strings.TrimSuffix(trimmed, ".git")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if trimmed == "" {
		return "repo"
	}
	return filepath.Base(trimmed)
}
