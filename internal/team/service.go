// Package team implements team lifecycle: creation with its directory
// skeleton and roster, repo registration through symlinks, human member
// identities, and deletion that unwinds every runtime resource the team
// accumulated.
package team

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/git"
	"github.com/zjrosen/delegate/internal/home"
	"github.com/zjrosen/delegate/internal/log"
	"github.com/zjrosen/delegate/internal/storage/sqlite"
)

// SessionReleaser tears down a team's model sessions. Implemented by
// the session manager.
type SessionReleaser interface {
	ReleaseTeam(teamID string)
}

// SandboxDropper forgets a team's sandbox configs.
type SandboxDropper interface {
	DropTeam(teamID string)
}

// RosterEntry seeds one agent at team creation.
type RosterEntry struct {
	Name  string
	Role  domain.Role
	Model string
}

// Service owns team lifecycle.
type Service struct {
	h         *home.Home
	store     *sqlite.Store
	bus       *event.Bus
	git       git.Executor
	sessions  SessionReleaser
	sandboxes SandboxDropper

	// names caches display name -> uuid so HTTP and CLI lookups skip
	// the DB on the hot path.
	names *cache.Cache
}

// NewService creates the team service.
func NewService(h *home.Home, store *sqlite.Store, bus *event.Bus, g git.Executor,
	sessions SessionReleaser, sandboxes SandboxDropper) *Service {
	return &Service{
		h:         h,
		store:     store,
		bus:       bus,
		git:       g,
		sessions:  sessions,
		sandboxes: sandboxes,
		names:     cache.New(10*time.Minute, 30*time.Minute),
	}
}

// defaultSettingsEnv seeds the file sourced into every sandboxed
// session of the team.
const defaultSettingsEnv = `# Environment sourced into every agent session of this team.
# Edit freely; changes apply on the next session rotation.
`

// Create provisions a team: directory skeleton, charter, settings.env,
// DB row, and the seed roster.
func (s *Service) Create(name, charter string, roster []RosterEntry) (*domain.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.User(errs.CodeBadRequest, "team name is empty")
	}
	if _, err := s.store.Teams.GetByName(name); err == nil {
		return nil, errs.User(errs.CodeBadRequest, "team %q already exists", name)
	}

	now := time.Now().UTC()
	team := &domain.Team{
		ID:        uuid.NewString(),
		Name:      name,
		Charter:   charter,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.h.EnsureTeamLayout(team.ID); err != nil {
		return nil, err
	}
	if charter != "" {
		if err := os.WriteFile(s.h.CharterFile(team.ID), []byte(charter), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write charter: %w", err)
		}
	}
	if err := os.WriteFile(s.h.SettingsEnv(team.ID), []byte(defaultSettingsEnv), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write settings.env: %w", err)
	}

	rec := s.bus.Recorder()
	err := s.store.WithTx(func(tx *sql.Tx) error {
		if err := s.store.Teams.Create(tx, team); err != nil {
			return err
		}
		for _, entry := range roster {
			if !domain.ValidRole(entry.Role) {
				return errs.User(errs.CodeBadRequest, "unknown role %q for agent %s", entry.Role, entry.Name)
			}
			agent := &domain.Agent{
				ID:        uuid.NewString(),
				TeamID:    team.ID,
				Name:      entry.Name,
				Role:      entry.Role,
				Model:     entry.Model,
				CreatedAt: now,
			}
			if err := s.store.Agents.Create(tx, agent); err != nil {
				return err
			}
		}
		return rec.Emit(tx, team.ID, event.KindTeamCreated, map[string]any{
			"name": team.Name, "agents": len(roster),
		})
	})
	if err != nil {
		// Leave the skeleton; a retry with the same name reuses nothing
		// since the uuid is fresh, and stray dirs are harmless.
		return nil, err
	}
	rec.Flush()

	for _, entry := range roster {
		if err := os.MkdirAll(s.h.AgentMemoryDir(team.ID, entry.Name), 0o755); err != nil {
			log.ErrorErr(log.CatTeam, "agent dir creation failed", err, "agent", entry.Name)
		}
	}

	s.names.Set(name, team.ID, cache.DefaultExpiration)
	if err := s.saveNameIndex(); err != nil {
		log.ErrorErr(log.CatTeam, "team index write failed", err)
	}
	log.Info(log.CatTeam, "team created", "name", name, "id", team.ID, "agents", len(roster))
	return team, nil
}

// AddAgent appends one agent to an existing team's roster.
func (s *Service) AddAgent(teamID, name string, role domain.Role, model string) (*domain.Agent, error) {
	if !domain.ValidRole(role) {
		return nil, errs.User(errs.CodeBadRequest, "unknown role %q", role)
	}
	if _, err := s.store.Agents.Get(teamID, name); err == nil {
		return nil, errs.User(errs.CodeBadRequest, "agent %q already exists", name)
	}
	agent := &domain.Agent{
		ID:        uuid.NewString(),
		TeamID:    teamID,
		Name:      name,
		Role:      role,
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.WithTx(func(tx *sql.Tx) error {
		return s.store.Agents.Create(tx, agent)
	}); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.h.AgentMemoryDir(teamID, name), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create agent dir: %w", err)
	}
	return agent, nil
}

// RegisterRepo links an external git repository into the team. The repo
// itself stays in place; the team directory gains a symlink, and the
// row records target branch, pre-merge command, and approval policy.
func (s *Service) RegisterRepo(ctx context.Context, teamID, path, name, targetBranch, preMergeCmd string, policy domain.ApprovalPolicy) (*domain.Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errs.User(errs.CodeBadRequest, "cannot resolve repo path %q", path)
	}
	if _, err := os.Stat(filepath.Join(abs, ".git")); err != nil {
		return nil, errs.User(errs.CodeBadRequest, "%s is not a git repository", abs)
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	if targetBranch == "" {
		targetBranch = "main"
	}
	if policy == "" {
		policy = domain.ApprovalHuman
	}
	if _, err := s.git.RevParse(ctx, abs, targetBranch); err != nil {
		return nil, errs.User(errs.CodeBadRequest, "branch %q does not exist in %s", targetBranch, abs)
	}

	link := filepath.Join(s.h.ReposDir(teamID), name)
	if _, err := os.Lstat(link); err == nil {
		return nil, errs.User(errs.CodeBadRequest, "repo name %q is already registered", name)
	}
	if err := os.Symlink(abs, link); err != nil {
		return nil, fmt.Errorf("failed to link repo: %w", err)
	}

	repo := &domain.Repo{
		TeamID:         teamID,
		Path:           abs,
		Name:           name,
		TargetBranch:   targetBranch,
		PreMergeCmd:    preMergeCmd,
		ApprovalPolicy: policy,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.WithTx(func(tx *sql.Tx) error {
		return s.store.Repos.Create(tx, repo)
	}); err != nil {
		_ = os.Remove(link)
		return nil, err
	}
	log.Info(log.CatTeam, "repo registered", "team", teamID, "name", name, "target", targetBranch)
	return repo, nil
}

// Delete removes a team and everything it owns: sessions, sandbox
// configs, worktrees, the team directory, and all rows. Registered
// repos themselves are untouched.
func (s *Service) Delete(ctx context.Context, teamID string) error {
	team, err := s.store.Teams.Get(teamID)
	if err != nil {
		return err
	}

	if s.sessions != nil {
		s.sessions.ReleaseTeam(teamID)
	}
	if s.sandboxes != nil {
		s.sandboxes.DropTeam(teamID)
	}

	// Detach worktrees from their backing repos before the directory
	// vanishes, so the repos keep clean bookkeeping.
	tasks, err := s.store.Tasks.ListByTeam(s.store.DB(), teamID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if !task.HasWorktree() {
			continue
		}
		for _, repoName := range task.Repos {
			repo, err := s.store.Repos.Get(s.store.DB(), teamID, repoName)
			if err != nil {
				continue
			}
			path := s.h.WorktreeDir(teamID, task.Assignee, task.Key(), repoName)
			if err := s.git.RemoveWorktree(ctx, repo.Path, path); err != nil {
				log.ErrorErr(log.CatTeam, "worktree removal failed during delete", err, "path", path)
			}
			if s.git.BranchExists(ctx, repo.Path, task.Branch) {
				_ = s.git.DeleteBranch(ctx, repo.Path, task.Branch)
			}
		}
	}

	rec := s.bus.Recorder()
	err = s.store.WithTx(func(tx *sql.Tx) error {
		if err := rec.Emit(tx, teamID, event.KindTeamDeleted, map[string]any{"name": team.Name}); err != nil {
			return err
		}
		return s.store.Teams.Delete(tx, teamID)
	})
	if err != nil {
		return err
	}
	rec.Flush()

	if err := os.RemoveAll(s.h.TeamDir(teamID)); err != nil {
		log.ErrorErr(log.CatTeam, "team dir removal failed", err, "team", team.Name)
	}
	s.names.Delete(team.Name)
	if err := s.saveNameIndex(); err != nil {
		log.ErrorErr(log.CatTeam, "team index write failed", err)
	}
	log.Info(log.CatTeam, "team deleted", "name", team.Name, "id", teamID)
	return nil
}

// Resolve accepts a team UUID or display name and returns the team.
func (s *Service) Resolve(nameOrID string) (*domain.Team, error) {
	if _, err := uuid.Parse(nameOrID); err == nil {
		return s.store.Teams.Get(nameOrID)
	}
	if id, ok := s.names.Get(nameOrID); ok {
		if team, err := s.store.Teams.Get(id.(string)); err == nil {
			return team, nil
		}
		s.names.Delete(nameOrID)
	}
	team, err := s.store.Teams.GetByName(nameOrID)
	if err != nil {
		return nil, err
	}
	s.names.Set(team.Name, team.ID, cache.DefaultExpiration)
	return team, nil
}

// SaveMember writes a human identity file. Humans are addressed as
// human:<name> in mailboxes.
func (s *Service) SaveMember(m domain.Member) error {
	if strings.TrimSpace(m.Name) == "" {
		return errs.User(errs.CodeBadRequest, "member name is empty")
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode member: %w", err)
	}
	return os.WriteFile(s.h.MemberFile(m.Name), data, 0o644)
}

// ListMembers reads every identity file under members/.
func (s *Service) ListMembers() ([]domain.Member, error) {
	entries, err := os.ReadDir(s.h.MembersDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read members dir: %w", err)
	}
	var members []domain.Member
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.h.MembersDir(), entry.Name()))
		if err != nil {
			continue
		}
		var m domain.Member
		if err := yaml.Unmarshal(data, &m); err != nil {
			log.Warn(log.CatTeam, "skipping malformed member file", "file", entry.Name())
			continue
		}
		members = append(members, m)
	}
	return members, nil
}

// Greet seeds a welcome message from a human to the team's manager, so
// a freshly created team has something to act on.
func (s *Service) Greet(teamID, from string) error {
	agents, err := s.store.Agents.ListByTeam(s.store.DB(), teamID)
	if err != nil {
		return err
	}
	var manager string
	for _, a := range agents {
		if a.Role == domain.RoleManager {
			manager = a.Name
			break
		}
	}
	if manager == "" {
		return errs.User(errs.CodeAgentNotFound, "team has no manager to greet")
	}
	if !strings.HasPrefix(from, domain.HumanSenderPrefix) {
		from = domain.HumanSenderPrefix + from
	}
	rec := s.bus.Recorder()
	err = s.store.WithTx(func(tx *sql.Tx) error {
		msg := &domain.Message{
			TeamID:    teamID,
			Sender:    from,
			Recipient: manager,
			Kind:      domain.KindChat,
			Body:      "Hello! Please introduce yourself and summarize how you plan to run this team.",
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.Messages.Create(tx, msg); err != nil {
			return err
		}
		return rec.Emit(tx, teamID, event.KindMessageSent, map[string]any{
			"message_id": msg.ID, "sender": msg.Sender, "recipient": msg.Recipient,
		})
	})
	if err != nil {
		return err
	}
	rec.Flush()
	return nil
}

// saveNameIndex persists the name -> uuid map for fast cold starts.
type nameIndex struct {
	Teams map[string]string `json:"teams"`
}

func (s *Service) saveNameIndex() error {
	teams, err := s.store.Teams.List()
	if err != nil {
		return err
	}
	idx := nameIndex{Teams: make(map[string]string, len(teams))}
	for _, t := range teams {
		idx.Teams[t.Name] = t.ID
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.h.TeamIDsFile() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.h.TeamIDsFile())
}
