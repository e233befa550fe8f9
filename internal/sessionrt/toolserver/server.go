// Package filebrowser exposes local tool extensions the assistant
// child can call over HTTP: MCP-style tools the assistant invokes
// alongside its own built-ins (SPEC_FULL.md §4 "toolserver/").
package filebrowser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"time"
)

const defaultBashTimeout = 30 * time.Second
const maxBashOutput = 256 * 1024 // 256KB cap on the output the bash tool returns

// Server is a local HTTP server, bound to loopback only, exposing
// read-file/write-file/bash/list-files/git-status as tool extensions
// scoped to one session's working directory.
type Server struct {
	WorkingDir  string
	BashTimeout time.Duration

	mux *http.ServeMux
}

// New returns a Server ready to be mounted via ServeHTTP or wrapped in
// an http.Server listening on loopback.
func New(workingDir string) *Server {
	s := &Server{WorkingDir: workingDir, BashTimeout: defaultBashTimeout}

	mux := http.NewServeMux()
	mux.HandleFunc("/tools/list-files", s.handleListFiles)
	mux.HandleFunc("/tools/read-file", s.handleReadFile)
	mux.HandleFunc("/tools/write-file", s.handleWriteFile)
	mux.HandleFunc("/tools/bash", s.handleBash)
	mux.HandleFunc("/tools/git-status", s.handleGitStatus)
	mux.HandleFunc("/tools/git-info", s.handleGitInfo)
	mux.HandleFunc("/tools/git-worktree-create", s.handleGitWorktreeCreate)
	mux.HandleFunc("/tools/git-worktree-remove", s.handleGitWorktreeRemove)
	s.mux = mux

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

type listFilesRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	var req listFilesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path := s.resolveWithinWorkingDir(req.Path)

	absPath, entries, err := ListDirectory(path)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": absPath, "entries": entries})
}

type readFileRequest struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Limit  int64  `json:"limit"`
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	var req readFileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path := s.resolveWithinWorkingDir(req.Path)

	absPath, data, totalSize, err := ReadFile(path, req.Offset, req.Limit)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path": absPath, "content": string(data), "totalSize": totalSize,
	})
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req writeFileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path := s.resolveWithinWorkingDir(req.Path)

	absPath, err := WriteFile(path, []byte(req.Content))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": absPath})
}

type bashRequest struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type bashResponse struct {
	Output    string `json:"output"`
	ExitCode  int    `json:"exitCode"`
	TimedOut  bool   `json:"timedOut"`
	Truncated bool   `json:"truncated"`
}

// handleBash runs command in the session's working directory with a
// bounded timeout, matching the pump's "$"/"!" shell-prefix
// short-circuit (spec SPEC_FULL.md §4 "pump/"): the assistant gets the
// same bounded-subprocess primitive the local pump uses for shell
// escapes.
func (s *Server) handleBash(w http.ResponseWriter, r *http.Request) {
	var req bashRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("command is required"))
		return
	}

	timeout := s.BashTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)
	cmd.Dir = s.WorkingDir

	output, runErr := cmd.CombinedOutput()
	resp := bashResponse{}
	if len(output) > maxBashOutput {
		output = output[:maxBashOutput]
		resp.Truncated = true
	}
	resp.Output = string(output)

	if ctx.Err() != nil {
		resp.TimedOut = true
		resp.ExitCode = -1
	} else if exitErr, ok := runErr.(*exec.ExitError); ok {
		resp.ExitCode = exitErr.ExitCode()
	} else if runErr != nil {
		writeError(w, http.StatusInternalServerError, runErr)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type gitStatusRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	var req gitStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path := s.WorkingDir
	if req.Path != "" {
		path = s.resolveWithinWorkingDir(req.Path)
	}

	status := getGitStatus(path)
	if status == nil {
		writeJSON(w, http.StatusOK, map[string]any{"isGitRepo": false})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// resolveWithinWorkingDir defaults a tool call's path to the session's
// working directory when the caller leaves it empty.
func (s *Server) resolveWithinWorkingDir(path string) string {
	if path == "" {
		return s.WorkingDir
	}
	return path
}

type gitInfoRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleGitInfo(w http.ResponseWriter, r *http.Request) {
	var req gitInfoRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	path := s.resolveWithinWorkingDir(req.Path)

	info, err := getGitInfo(path)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	resp := map[string]any{
		"path":           path,
		"isGitRepo":      info.IsGitRepo,
		"isWorktree":     info.IsWorktree,
		"repoRoot":       info.RepoRoot,
		"repoDirName":    info.RepoDirName,
		"isRepoRoot":     info.IsRepoRoot,
		"isWorktreeRoot": info.IsWorktreeRoot,
	}

	if info.IsRepoRoot || info.IsWorktreeRoot {
		if status := getGitStatus(path); status != nil {
			resp["currentBranch"] = status.Branch
			resp["isDirty"] = status.Modified || status.Added || status.Deleted ||
				status.Renamed || status.Untracked || status.TypeChanged || status.Conflicted
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type gitWorktreeCreateRequest struct {
	RepoRoot     string `json:"repoRoot"`
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
	StartPoint   string `json:"startPoint"`
}

func (s *Server) handleGitWorktreeCreate(w http.ResponseWriter, r *http.Request) {
	var req gitWorktreeCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := createWorktree(req.RepoRoot, req.WorktreePath, req.BranchName, req.StartPoint); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"worktreePath": req.WorktreePath, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worktreePath": req.WorktreePath})
}

type gitWorktreeRemoveRequest struct {
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
	CheckOnly    bool   `json:"checkOnly"`
	Force        bool   `json:"force"`
}

// handleGitWorktreeRemove checks worktree cleanliness before removing it,
// and deletes the branch afterward only if nothing else still uses it.
func (s *Server) handleGitWorktreeRemove(w http.ResponseWriter, r *http.Request) {
	var req gitWorktreeRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	clean, err := isWorktreeClean(req.WorktreePath)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"worktreePath": req.WorktreePath, "error": err.Error()})
		return
	}
	if req.CheckOnly || (!clean && !req.Force) {
		writeJSON(w, http.StatusOK, map[string]any{"worktreePath": req.WorktreePath, "isClean": clean})
		return
	}

	info, err := getGitInfo(req.WorktreePath)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"worktreePath": req.WorktreePath, "error": err.Error()})
		return
	}
	if !info.IsGitRepo {
		writeJSON(w, http.StatusOK, map[string]any{"worktreePath": req.WorktreePath, "error": "not a git repository"})
		return
	}

	if err := removeWorktree(info.RepoRoot, req.WorktreePath); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"worktreePath": req.WorktreePath, "isClean": clean, "error": err.Error()})
		return
	}

	if req.BranchName != "" {
		if inUse, err := isBranchInUse(info.RepoRoot, req.BranchName); err == nil && !inUse {
			_ = deleteBranch(info.RepoRoot, req.BranchName)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"worktreePath": req.WorktreePath, "isClean": clean})
}
