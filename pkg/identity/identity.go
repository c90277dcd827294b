// Package identity maps tools to the system accounts their jobs run as.
package identity

import (
	"fmt"
	"os"
	"os/user"
	"path"
	"strconv"
	"strings"

	gocache "github.com/patrickmn/go-cache"
)

const homeRoot = "/data/project"

// Namespace is the Kubernetes namespace holding a tool's objects.
func Namespace(tool string) string {
	return "tool-" + tool
}

// ToolFromNamespace is the reverse of Namespace.
func ToolFromNamespace(namespace string) string {
	return strings.TrimPrefix(namespace, "tool-")
}

// Home is the NFS home directory of a tool.
func Home(tool string) string {
	return path.Join(homeRoot, tool)
}

// TenantIdentity resolves the numeric UID of a tool account.
type TenantIdentity interface {
	ResolveUID(tool string) (int64, error)
}

// UnknownToolError is returned for tools without a system account.
type UnknownToolError struct {
	Tool    string
	Account string
	Err     error
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unable to find the account %s for tool %s: %v", e.Account, e.Tool, e.Err)
}

func (e *UnknownToolError) Unwrap() error { return e.Err }

// PasswdResolver looks accounts up in the system user database. Accounts
// are named "<project>.<tool>", the project being read from a file.
//
// Resolved UIDs are kept for the life of the process since the mapping
// never changes.
type PasswdResolver struct {
	projectFile string
	lookup      func(name string) (*user.User, error)
	cache       *gocache.Cache
}

// NewPasswdResolver creates a resolver reading the project name from
// projectFile.
func NewPasswdResolver(projectFile string) *PasswdResolver {
	return &PasswdResolver{
		projectFile: projectFile,
		lookup:      user.Lookup,
		cache:       gocache.New(gocache.NoExpiration, 0),
	}
}

// ResolveUID implements TenantIdentity.
func (r *PasswdResolver) ResolveUID(tool string) (int64, error) {
	if uid, ok := r.cache.Get(tool); ok {
		return uid.(int64), nil
	}

	project, err := r.project()
	if err != nil {
		return 0, err
	}

	account := project + "." + tool
	u, err := r.lookup(account)
	if err != nil {
		return 0, &UnknownToolError{Tool: tool, Account: account, Err: err}
	}

	uid, err := strconv.ParseInt(u.Uid, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("account %s has a non numeric uid %q: %w", account, u.Uid, err)
	}

	r.cache.Set(tool, uid, gocache.NoExpiration)
	return uid, nil
}

func (r *PasswdResolver) project() (string, error) {
	if cached, ok := r.cache.Get("\x00project"); ok {
		return cached.(string), nil
	}

	data, err := os.ReadFile(r.projectFile)
	if err != nil {
		return "", fmt.Errorf("failed to read project name from %s: %w", r.projectFile, err)
	}
	project := strings.TrimSpace(string(data))
	if project == "" {
		return "", fmt.Errorf("project file %s is empty", r.projectFile)
	}

	r.cache.Set("\x00project", project, gocache.NoExpiration)
	return project, nil
}

// StaticResolver serves UIDs from a fixed table.
type StaticResolver map[string]int64

// ResolveUID implements TenantIdentity.
func (s StaticResolver) ResolveUID(tool string) (int64, error) {
	uid, ok := s[tool]
	if !ok {
		return 0, &UnknownToolError{Tool: tool, Account: tool, Err: fmt.Errorf("not in table")}
	}
	return uid, nil
}

// FixedResolver answers the same UID for every tool. Used by the render
// command where no account database is available.
type FixedResolver int64

// ResolveUID implements TenantIdentity.
func (f FixedResolver) ResolveUID(string) (int64, error) {
	return int64(f), nil
}
