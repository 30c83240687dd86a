package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"fathom/internal/command"
	"fathom/internal/gitstore"
	"fathom/internal/research"
	"fathom/internal/secrets"
)

func (c *Controller) registerHandlers() {
	c.registry.SetDefaults("chat", c.cfg.ChatDefaults)
	c.registry.SetDefaults("research", c.cfg.ResearchDefaults)

	c.registry.Register("research", c.handleResearch)
	c.registry.Register("chat", c.handleChatCommand)
	c.registry.Register("storage", c.handleStorage)
	c.registry.Register("keys", c.handleKeys)
	c.registry.Register("export", c.handleExport)
	c.registry.Register("status", c.handleStatus)
	c.registry.Register("help", c.handleHelp)
	c.registry.Register("logout", c.handleLogout)
}

// resolvePassword returns the session's cached password, prompting the
// operator when none is cached yet.
func (c *Controller) resolvePassword(sess *Session) (string, error) {
	if pw := sess.getPassword(); pw != "" {
		return pw, nil
	}
	pw, err := c.Prompt(sess, "Enter password:", true, "password")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(pw) == "" {
		return "", errors.New("password required")
	}
	sess.setPassword(pw)
	return pw, nil
}

// resolveAPIKey fetches a decrypted provider key through the secret store.
// Auth failures zero the cached password so the next attempt prompts again.
func (c *Controller) resolveAPIKey(sess *Session, service string) (string, error) {
	pw, err := c.resolvePassword(sess)
	if err != nil {
		return "", err
	}
	key, err := c.deps.Secrets.GetAPIKey(secrets.GetAPIKeyParams{
		Username: sess.Username(),
		Password: pw,
		Service:  service,
	})
	if errors.Is(err, secrets.ErrWrongPassword) || errors.Is(err, secrets.ErrRateLimited) {
		sess.setPassword("")
	}
	return key, err
}

func (c *Controller) handleResearch(ctx context.Context, req command.Request) (command.Outcome, error) {
	sess := sessionFrom(ctx)
	if sess == nil {
		return command.Outcome{}, errors.New("no session")
	}
	query := strings.TrimSpace(strings.Join(req.Parsed.Args, " "))
	if query == "" {
		return command.Outcome{}, errors.New("usage: /research <query> [--depth=N] [--breadth=N]")
	}

	sess.mu.Lock()
	running := sess.runCancel != nil
	sess.mu.Unlock()
	if running {
		return command.Outcome{}, errors.New("a research run is already active")
	}

	depth := flagInt(req.Parsed, "depth", 2)
	breadth := flagInt(req.Parsed, "breadth", 4)

	veniceKey, err := c.resolveAPIKey(sess, secrets.ServiceVenice)
	if err != nil {
		if errors.Is(err, secrets.ErrNotConfigured) {
			return command.Outcome{}, errors.New("no LLM API key configured; run /keys set venice")
		}
		return command.Outcome{}, err
	}
	// Brave is optional; the search factory falls back to the keyless
	// provider when the key is absent.
	braveKey, err := c.resolveAPIKey(sess, secrets.ServiceBrave)
	if err != nil && !errors.Is(err, secrets.ErrNotConfigured) {
		return command.Outcome{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sess.mu.Lock()
	sess.runCancel = cancel
	sess.mu.Unlock()
	defer func() {
		cancel()
		sess.mu.Lock()
		sess.runCancel = nil
		sess.mu.Unlock()
	}()

	pipeline := research.New(
		c.deps.SearchFactory(braveKey),
		c.deps.LLMFactory(veniceKey),
		c.cfg.Research,
		c.logger.Named("research"),
	)
	run, err := pipeline.Research(runCtx, research.Params{
		Query:     research.Query{Original: query},
		Depth:     depth,
		Breadth:   breadth,
		Model:     req.Model,
		Telemetry: sess.tele,
	})
	if err != nil {
		// The pipeline already emitted the failure on telemetry.
		return command.Outcome{}, fmt.Errorf("research failed: %w", err)
	}

	sess.mu.Lock()
	sess.Ref.CurrentResearchResult = run.Markdown
	sess.Ref.CurrentResearchFilename = run.Filename
	sess.Ref.CurrentResearchSummary = run.Summary
	sess.Ref.CurrentResearchQuery = query
	sess.mu.Unlock()
	if _, err := c.deps.State.PersistFromRef(&sess.Ref, nil); err != nil {
		c.logger.Warn("research result not persisted", zap.Error(err))
	}

	sess.send(NewEnvelope(TypeDownloadFile, map[string]any{
		"filename": run.Filename,
		"content":  run.Markdown,
		"mimeType": "text/markdown",
	}))
	return command.Outcome{
		Success: true,
		Message: fmt.Sprintf("Research complete: %d learnings from %d sources. Saved as %s.",
			len(run.Learnings), len(run.Sources), run.Filename),
	}, nil
}

func (c *Controller) handleChatCommand(ctx context.Context, req command.Request) (command.Outcome, error) {
	sess := sessionFrom(ctx)
	if sess == nil {
		return command.Outcome{}, errors.New("no session")
	}
	key, err := c.resolveAPIKey(sess, secrets.ServiceVenice)
	if err != nil {
		if errors.Is(err, secrets.ErrNotConfigured) {
			return command.Outcome{}, errors.New("no LLM API key configured; run /keys set venice")
		}
		return command.Outcome{}, err
	}

	sess.mu.Lock()
	sess.chatLLM = c.deps.LLMFactory(key)
	sess.chatModel = req.Model
	sess.chatHistory = nil
	sess.mu.Unlock()

	sess.send(NewEnvelope(TypeChatReady, map[string]any{
		"model":     req.Model,
		"character": req.Character,
	}))
	return command.Outcome{
		Success:    true,
		ModeChange: command.ModeChat,
		Message:    "Chat mode. Send messages directly; /exit to leave.",
	}, nil
}

func (c *Controller) gitClient(sess *Session) (*gitstore.Client, error) {
	pw, err := c.resolvePassword(sess)
	if err != nil {
		return nil, err
	}
	cfg, err := c.deps.Secrets.GetGitHubConfig(sess.Username(), pw)
	if err != nil {
		return nil, err
	}
	if cfg.Owner == "" || cfg.Repo == "" || cfg.Token == "" {
		return nil, errors.New("GitHub storage not configured; run /keys set github")
	}
	return c.deps.GitStoreFactory(gitstore.Config{
		Owner:  cfg.Owner,
		Repo:   cfg.Repo,
		Branch: cfg.Branch,
		Token:  cfg.Token,
	}), nil
}

func (c *Controller) handleStorage(ctx context.Context, req command.Request) (command.Outcome, error) {
	sess := sessionFrom(ctx)
	if sess == nil {
		return command.Outcome{}, errors.New("no session")
	}
	if len(req.Parsed.Args) == 0 {
		return command.Outcome{}, errors.New("usage: /storage list|get|save|delete <path>")
	}
	store, err := c.gitClient(sess)
	if err != nil {
		return command.Outcome{}, err
	}
	sub := req.Parsed.Args[0]
	var path string
	if len(req.Parsed.Args) > 1 {
		path = req.Parsed.Args[1]
	}
	ref, _ := req.Parsed.Flag("ref")
	branch, _ := req.Parsed.Flag("branch")
	message, _ := req.Parsed.Flag("message")

	switch sub {
	case "list":
		listing, err := store.ListEntries(ctx, path, ref)
		if err != nil {
			return command.Outcome{}, err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s@%s: %d entries\n", listing.Path, listing.Ref, len(listing.Entries))
		for _, e := range listing.Entries {
			fmt.Fprintf(&b, "  %-4s %s\n", e.Type, e.Path)
		}
		return command.Outcome{Success: true, Message: b.String()}, nil

	case "get":
		if path == "" {
			return command.Outcome{}, errors.New("usage: /storage get <path>")
		}
		file, err := store.FetchFile(ctx, path, ref)
		if err != nil {
			return command.Outcome{}, err
		}
		sess.send(NewEnvelope(TypeDownloadFile, map[string]any{
			"filename": file.Path,
			"content":  file.Content,
		}))
		return command.Outcome{Success: true, Message: fmt.Sprintf("Fetched %s (%d bytes).", file.Path, file.Size)}, nil

	case "save":
		sess.mu.Lock()
		content := sess.Ref.CurrentResearchResult
		if path == "" {
			path = sess.Ref.CurrentResearchFilename
		}
		sess.mu.Unlock()
		if content == "" {
			return command.Outcome{}, errors.New("no research result to save; run /research first")
		}
		if path == "" {
			return command.Outcome{}, errors.New("usage: /storage save <path>")
		}
		summary, err := store.UploadFile(ctx, gitstore.UploadParams{
			Path: path, Content: content, Message: message, Branch: branch,
		})
		if err != nil {
			return command.Outcome{}, err
		}
		return command.Outcome{Success: true, Message: fmt.Sprintf("Saved %s (%s).", summary.Path, summary.CommitURL)}, nil

	case "delete":
		if path == "" {
			return command.Outcome{}, errors.New("usage: /storage delete <path>")
		}
		summary, err := store.DeleteFile(ctx, gitstore.DeleteParams{Path: path, Branch: branch, Message: message})
		if err != nil {
			return command.Outcome{}, err
		}
		return command.Outcome{Success: true, Message: fmt.Sprintf("Deleted %s.", summary.Path)}, nil

	default:
		return command.Outcome{}, fmt.Errorf("unknown storage action %q", sub)
	}
}

func (c *Controller) handleKeys(ctx context.Context, req command.Request) (command.Outcome, error) {
	sess := sessionFrom(ctx)
	if sess == nil {
		return command.Outcome{}, errors.New("no session")
	}
	if len(req.Parsed.Args) == 0 {
		return command.Outcome{}, errors.New("usage: /keys set|clear <service> | /keys test")
	}
	action := req.Parsed.Args[0]
	pw, err := c.resolvePassword(sess)
	if err != nil {
		return command.Outcome{}, err
	}

	if action == "test" {
		results, err := c.deps.Secrets.TestAPIKeys(ctx, sess.Username(), pw, nil, secrets.ProbeEndpoints{})
		if err != nil {
			return command.Outcome{}, err
		}
		var b strings.Builder
		b.WriteString("Provider checks:\n")
		for _, service := range []string{secrets.ServiceBrave, secrets.ServiceVenice, secrets.ServiceGitHub} {
			res, ok := results[service]
			switch {
			case !ok || res.Success == nil:
				fmt.Fprintf(&b, "  %-7s not configured\n", service)
			case *res.Success:
				fmt.Fprintf(&b, "  %-7s ok\n", service)
			default:
				fmt.Fprintf(&b, "  %-7s failed: %s\n", service, res.Error)
			}
		}
		return command.Outcome{Success: true, Message: b.String()}, nil
	}

	if len(req.Parsed.Args) < 2 {
		return command.Outcome{}, errors.New("usage: /keys set|clear <service>")
	}
	service := req.Parsed.Args[1]

	switch action {
	case "set":
		if service == secrets.ServiceGitHub {
			return c.setGitHubConfig(ctx, sess, pw)
		}
		value, err := c.Prompt(sess, fmt.Sprintf("Enter %s API key:", service), true, "api-key")
		if err != nil {
			return command.Outcome{}, err
		}
		if err := c.deps.Secrets.SetAPIKey(sess.Username(), pw, service, strings.TrimSpace(value)); err != nil {
			return command.Outcome{}, err
		}
		return command.Outcome{Success: true, Message: fmt.Sprintf("%s API key stored.", service)}, nil

	case "clear":
		if err := c.deps.Secrets.SetAPIKey(sess.Username(), pw, service, ""); err != nil {
			return command.Outcome{}, err
		}
		return command.Outcome{Success: true, Message: fmt.Sprintf("%s API key cleared.", service)}, nil

	default:
		return command.Outcome{}, fmt.Errorf("unknown keys action %q", action)
	}
}

func (c *Controller) setGitHubConfig(ctx context.Context, sess *Session, pw string) (command.Outcome, error) {
	owner, err := c.Prompt(sess, "GitHub owner:", false, "github-owner")
	if err != nil {
		return command.Outcome{}, err
	}
	repo, err := c.Prompt(sess, "GitHub repository:", false, "github-repo")
	if err != nil {
		return command.Outcome{}, err
	}
	token, err := c.Prompt(sess, "GitHub token:", true, "github-token")
	if err != nil {
		return command.Outcome{}, err
	}
	patch := secrets.GitHubConfigPatch{Owner: &owner, Repo: &repo, Token: &token}
	if err := c.deps.Secrets.SetGitHubConfig(sess.Username(), pw, patch); err != nil {
		return command.Outcome{}, err
	}
	return command.Outcome{Success: true, Message: "GitHub storage configured."}, nil
}

// handleExport renders the current research report as standalone HTML.
func (c *Controller) handleExport(ctx context.Context, req command.Request) (command.Outcome, error) {
	sess := sessionFrom(ctx)
	if sess == nil {
		return command.Outcome{}, errors.New("no session")
	}
	sess.mu.Lock()
	markdown := sess.Ref.CurrentResearchResult
	filename := sess.Ref.CurrentResearchFilename
	sess.mu.Unlock()
	if markdown == "" {
		return command.Outcome{}, errors.New("no research result to export; run /research first")
	}
	html, err := research.RenderHTML(markdown)
	if err != nil {
		return command.Outcome{}, err
	}
	if filename == "" {
		filename = "research.md"
	}
	filename = strings.TrimSuffix(filename, ".md") + ".html"
	sess.send(NewEnvelope(TypeDownloadFile, map[string]any{
		"filename": filename,
		"content":  html,
		"mimeType": "text/html",
	}))
	return command.Outcome{Success: true, Message: fmt.Sprintf("Exported %s.", filename)}, nil
}

func (c *Controller) handleStatus(ctx context.Context, req command.Request) (command.Outcome, error) {
	sess := sessionFrom(ctx)
	if sess == nil {
		return command.Outcome{}, errors.New("no session")
	}
	sess.send(c.statusSummary(sess))
	return command.Outcome{Success: true}, nil
}

func (c *Controller) handleHelp(ctx context.Context, req command.Request) (command.Outcome, error) {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range c.registry.Names() {
		fmt.Fprintf(&b, "  /%s\n", name)
	}
	return command.Outcome{Success: true, Message: b.String()}, nil
}

func (c *Controller) handleLogout(ctx context.Context, req command.Request) (command.Outcome, error) {
	sess := sessionFrom(ctx)
	if sess == nil {
		return command.Outcome{}, errors.New("no session")
	}
	sess.setPassword("")
	sess.send(NewEnvelope(TypeLogoutSuccess, nil))
	c.cleanup(sess, false)
	return command.Outcome{Success: true, KeepDisabled: true}, nil
}

func flagInt(p command.Parsed, name string, fallback int) int {
	raw, ok := p.Flag(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
