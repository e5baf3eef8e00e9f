package server

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zjrosen/delegate/internal/domain"
	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/event"
	"github.com/zjrosen/delegate/internal/workflow"
)

// taskParam resolves the :id path segment to a task.
func (s *Server) taskParam(c *gin.Context) (*domain.Task, bool) {
	raw := strings.TrimPrefix(c.Param("id"), "T")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		fail(c, errs.User(errs.CodeBadRequest, "invalid task id %q", c.Param("id")))
		return nil, false
	}
	task, err := s.store.Tasks.Get(id)
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return task, true
}

// teamQuery resolves the team from ?team= or the :team path segment,
// falling back to the first team when unspecified.
func (s *Server) teamQuery(c *gin.Context) (*domain.Team, error) {
	name := c.Param("team")
	if name == "" {
		name = c.Query("team")
	}
	if name != "" {
		return s.teams.Resolve(name)
	}
	teams, err := s.store.Teams.List()
	if err != nil {
		return nil, err
	}
	if len(teams) == 0 {
		return nil, errs.User(errs.CodeTeamNotFound, "no teams exist")
	}
	return teams[0], nil
}

func taskJSON(t *domain.Task) gin.H {
	return gin.H{
		"id":               t.ID,
		"key":              t.Key(),
		"team_id":          t.TeamID,
		"title":            t.Title,
		"description":      t.Description,
		"priority":         t.Priority,
		"status":           t.Status,
		"status_detail":    t.StatusDetail,
		"assignee":         t.Assignee,
		"dri":              t.DRI,
		"reviewer":         t.Reviewer,
		"depends_on":       t.DependsOn,
		"repos":            t.Repos,
		"branch":           t.Branch,
		"base_shas":        t.BaseSHAs,
		"attachments":      t.Attachments,
		"approval_status":  t.ApprovalStatus,
		"rejection_reason": t.RejectionReason,
		"workflow":         fmt.Sprintf("%s@%d", t.WorkflowName, t.WorkflowVersion),
		"created_at":       t.CreatedAt,
		"updated_at":       t.UpdatedAt,
		"completed_at":     t.CompletedAt,
	}
}

// bootstrap returns everything the UI needs in one round trip.
func (s *Server) bootstrap(c *gin.Context) {
	teams, err := s.store.Teams.List()
	if err != nil {
		fail(c, err)
		return
	}
	resp := gin.H{
		"config": gin.H{
			"listen_addr": s.cfg.ListenAddr,
			"models": gin.H{
				"manager":  s.cfg.Models.Manager,
				"engineer": s.cfg.Models.Engineer,
				"reviewer": s.cfg.Models.Reviewer,
			},
		},
		"teams": teams,
	}

	initial, err := s.teamQuery(c)
	if err == nil {
		tasks, _ := s.store.Tasks.ListByTeam(s.store.DB(), initial.ID)
		agents, _ := s.store.Agents.ListByTeam(s.store.DB(), initial.ID)
		usage, _ := s.store.UsageByTeam(initial.ID)
		messages, _ := s.store.Messages.ListByTeam(initial.ID, 50)
		latestSeq, _ := s.bus.LatestSeq(initial.ID)

		taskList := make([]gin.H, 0, len(tasks))
		for _, t := range tasks {
			taskList = append(taskList, taskJSON(t))
		}
		resp["initial_team"] = gin.H{
			"team":       initial,
			"tasks":      taskList,
			"agents":     agents,
			"stats":      usage,
			"messages":   messages,
			"latest_seq": latestSeq,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) versionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"current": s.version,
		// Update checks are not performed; latest mirrors current.
		"latest": s.version,
	})
}

func (s *Server) listTasks(c *gin.Context) {
	tm, err := s.teamQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	var tasks []*domain.Task
	if status := c.Query("status"); status != "" {
		tasks, err = s.store.Tasks.ListByStatus(tm.ID, status)
	} else {
		tasks, err = s.store.Tasks.ListByTeam(s.store.DB(), tm.ID)
	}
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskJSON(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (s *Server) showTask(c *gin.Context) {
	task, ok := s.taskParam(c)
	if !ok {
		return
	}
	reviews, err := s.store.Reviews.ListByTask(task.ID)
	if err != nil {
		fail(c, err)
		return
	}
	resp := taskJSON(task)
	resp["reviews"] = reviews
	c.JSON(http.StatusOK, resp)
}

func (s *Server) taskStats(c *gin.Context) {
	task, ok := s.taskParam(c)
	if !ok {
		return
	}
	reviews, err := s.store.Reviews.ListByTask(task.ID)
	if err != nil {
		fail(c, err)
		return
	}
	stats := gin.H{
		"task":            task.Key(),
		"status":          task.Status,
		"review_attempts": len(reviews),
	}
	if task.Assignee != "" {
		usage, err := s.store.UsageByTeam(task.TeamID)
		if err == nil {
			for _, row := range usage {
				if row.AgentName == task.Assignee {
					stats["assignee_usage"] = row
					break
				}
			}
		}
	}
	c.JSON(http.StatusOK, stats)
}

// taskDiff returns the unified diff of the task branch against its
// captured base, concatenated across repos.
func (s *Server) taskDiff(c *gin.Context) {
	task, ok := s.taskParam(c)
	if !ok {
		return
	}
	if !task.HasWorktree() {
		fail(c, errs.User(errs.CodeBadRequest, "task %s has no worktree", task.Key()))
		return
	}
	var b strings.Builder
	for _, repoName := range task.Repos {
		base, ok := task.BaseSHAs[repoName]
		if !ok {
			continue
		}
		workDir := s.worktrees.Path(task, repoName)
		diff, err := s.git.Diff(c.Request.Context(), workDir, base, task.Branch)
		if err != nil {
			fail(c, err)
			return
		}
		fmt.Fprintf(&b, "# repo: %s\n%s", repoName, diff)
	}
	c.Data(http.StatusOK, "text/x-diff; charset=utf-8", []byte(b.String()))
}

// taskFile returns a file at the task branch tip, plus the head sha the
// client must echo back as expected_sha, and line-change counts against
// the base version.
func (s *Server) taskFile(c *gin.Context) {
	task, ok := s.taskParam(c)
	if !ok {
		return
	}
	repoName := c.Query("repo")
	path := c.Query("path")
	if repoName == "" && len(task.Repos) == 1 {
		repoName = task.Repos[0]
	}
	if repoName == "" || path == "" {
		fail(c, errs.User(errs.CodeBadRequest, "repo and path query parameters are required"))
		return
	}
	workDir := s.worktrees.Path(task, repoName)
	ctx := c.Request.Context()

	head, err := s.git.RevParse(ctx, workDir, task.Branch)
	if err != nil {
		fail(c, err)
		return
	}
	content, err := s.git.FileAt(ctx, workDir, task.Branch, path)
	if err != nil {
		fail(c, err)
		return
	}
	baseContent := ""
	if base, ok := task.BaseSHAs[repoName]; ok {
		baseContent, _ = s.git.FileAt(ctx, workDir, base, path)
	}
	added, deleted := diffStat(baseContent, content)
	c.JSON(http.StatusOK, gin.H{
		"repo":          repoName,
		"path":          path,
		"content":       content,
		"expected_sha":  head,
		"lines_added":   added,
		"lines_deleted": deleted,
	})
}

type reviewerEditRequest struct {
	Repo        string `json:"repo"`
	Path        string `json:"path" binding:"required"`
	Content     string `json:"content"`
	ExpectedSHA string `json:"expected_sha" binding:"required"`
	Author      string `json:"author"`
	Message     string `json:"message"`
}

// reviewerEdits lands a reviewer's file edit as an ordinary commit on
// the task branch. A stale expected_sha means the branch moved since
// the reviewer loaded the file; nothing is written and 409 is returned.
func (s *Server) reviewerEdits(c *gin.Context) {
	task, ok := s.taskParam(c)
	if !ok {
		return
	}
	var req reviewerEditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.User(errs.CodeBadRequest, "invalid body: %v", err))
		return
	}
	if req.Repo == "" && len(task.Repos) == 1 {
		req.Repo = task.Repos[0]
	}
	workDir := s.worktrees.Path(task, req.Repo)
	ctx := c.Request.Context()

	head, err := s.git.RevParse(ctx, workDir, task.Branch)
	if err != nil {
		fail(c, err)
		return
	}
	if head != req.ExpectedSHA {
		fail(c, errs.User(errs.CodeStaleSHA,
			"branch moved: head is %s, expected %s", head, req.ExpectedSHA))
		return
	}

	current, err := s.git.FileAt(ctx, workDir, task.Branch, req.Path)
	if err == nil && current == req.Content {
		// Same content at the same head: idempotent no-op.
		c.JSON(http.StatusOK, gin.H{"sha": head, "changed": false})
		return
	}

	target := filepath.Join(workDir, req.Path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		fail(c, err)
		return
	}
	if err := os.WriteFile(target, []byte(req.Content), 0o644); err != nil {
		fail(c, err)
		return
	}
	author := req.Author
	if author == "" {
		author = "reviewer"
	}
	message := req.Message
	if message == "" {
		message = fmt.Sprintf("reviewer edit: %s", req.Path)
	}
	if err := s.git.CommitAll(ctx, workDir, author, message); err != nil {
		fail(c, err)
		return
	}
	newHead, err := s.git.RevParse(ctx, workDir, task.Branch)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sha": newHead, "changed": true})
}

type approvalRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) approveTask(c *gin.Context) {
	task, ok := s.taskParam(c)
	if !ok {
		return
	}
	var req approvalRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.store.WithTx(func(tx *sql.Tx) error {
		return s.store.Tasks.SetApproval(tx, task.ID, domain.ApprovalApproved, "")
	}); err != nil {
		fail(c, err)
		return
	}
	if err := s.engine.Dispatch(c.Request.Context(), task.ID, workflow.Event{
		Kind: workflow.EventApprovalGranted, Actor: humanActor(req.Actor),
	}); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task.Key(), "approval": domain.ApprovalApproved})
}

func (s *Server) rejectTask(c *gin.Context) {
	task, ok := s.taskParam(c)
	if !ok {
		return
	}
	var req approvalRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.store.WithTx(func(tx *sql.Tx) error {
		return s.store.Tasks.SetApproval(tx, task.ID, domain.ApprovalRejected, req.Reason)
	}); err != nil {
		fail(c, err)
		return
	}
	if err := s.engine.Dispatch(c.Request.Context(), task.ID, workflow.Event{
		Kind: workflow.EventApprovalRejected, Actor: humanActor(req.Actor), Detail: req.Reason,
	}); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task.Key(), "approval": domain.ApprovalRejected})
}

func (s *Server) retryMerge(c *gin.Context) {
	task, ok := s.taskParam(c)
	if !ok {
		return
	}
	if err := s.merges.Retry(c.Request.Context(), task.ID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task.Key(), "status": domain.StatusMerging})
}

func (s *Server) listMessages(c *gin.Context) {
	tm, err := s.teamQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := s.store.Messages.ListByTeam(tm.ID, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type postMessageRequest struct {
	Team      string `json:"team" binding:"required"`
	From      string `json:"from" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	Body      string `json:"body" binding:"required"`
	TaskID    *int64 `json:"task_id"`
}

// postMessage delivers a human message into an agent's mailbox.
func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.User(errs.CodeBadRequest, "invalid body: %v", err))
		return
	}
	tm, err := s.teams.Resolve(req.Team)
	if err != nil {
		fail(c, err)
		return
	}
	msg := &domain.Message{
		TeamID:    tm.ID,
		Sender:    humanActor(req.From),
		Recipient: req.Recipient,
		Kind:      domain.KindChat,
		Body:      req.Body,
		TaskID:    req.TaskID,
		CreatedAt: time.Now().UTC(),
	}
	rec := s.bus.Recorder()
	err = s.store.WithTx(func(tx *sql.Tx) error {
		if err := s.store.Messages.Create(tx, msg); err != nil {
			return err
		}
		return rec.Emit(tx, tm.ID, event.KindMessageSent, map[string]any{
			"message_id": msg.ID, "sender": msg.Sender, "recipient": msg.Recipient,
		})
	})
	if err != nil {
		fail(c, err)
		return
	}
	rec.Flush()
	c.JSON(http.StatusOK, gin.H{"message_id": msg.ID})
}

func (s *Server) greet(c *gin.Context) {
	tm, err := s.teamQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	from := c.Query("from")
	if from == "" {
		from = "operator"
	}
	if err := s.teams.Greet(tm.ID, from); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"team": tm.Name})
}

// maxFileResults bounds the file helper responses.
const maxFileResults = 200

// completeFiles returns team-directory paths matching a prefix, for
// path autocomplete in the UI.
func (s *Server) completeFiles(c *gin.Context) {
	tm, err := s.teamQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	prefix := c.Query("prefix")
	matches, err := s.walkTeamFiles(tm.ID, func(rel string) bool {
		return strings.HasPrefix(rel, prefix)
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": matches})
}

// listFiles returns the files under one directory of the team tree.
func (s *Server) listFiles(c *gin.Context) {
	tm, err := s.teamQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	dir := filepath.Clean(c.Query("dir"))
	if strings.HasPrefix(dir, "..") {
		fail(c, errs.User(errs.CodeBadRequest, "dir escapes the team directory"))
		return
	}
	matches, err := s.walkTeamFiles(tm.ID, func(rel string) bool {
		return dir == "." || strings.HasPrefix(rel, dir+string(filepath.Separator))
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": matches})
}

// walkTeamFiles walks the team directory collecting relative paths that
// pass keep, skipping .git internals.
func (s *Server) walkTeamFiles(teamID string, keep func(rel string) bool) ([]string, error) {
	root := s.h.TeamDir(teamID)
	var matches []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if keep(rel) {
			matches = append(matches, rel)
			if len(matches) >= maxFileResults {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// humanActor normalizes a human identity to the mailbox prefix form.
func humanActor(name string) string {
	if name == "" {
		name = "operator"
	}
	if !strings.HasPrefix(name, domain.HumanSenderPrefix) {
		return domain.HumanSenderPrefix + name
	}
	return name
}
