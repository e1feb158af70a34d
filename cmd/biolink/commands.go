package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/mmcdole/biolink/internal/domain"
	"github.com/mmcdole/biolink/internal/profile"
	"github.com/mmcdole/biolink/internal/tui"
)

const flushTimeout = 10 * time.Second

func (a *app) dispatch(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "show":
		return a.show(ctx, optional(rest))
	case "stats":
		return a.stats(ctx, optional(rest))
	case "sync":
		return a.sync(ctx)
	case "create-profile":
		if len(rest) < 2 {
			return errors.New("usage: create-profile <username> <display name>")
		}
		return a.createProfile(ctx, rest[0], strings.Join(rest[1:], " "))
	case "add-link":
		if len(rest) != 3 {
			return errors.New("usage: add-link <username> <title> <url>")
		}
		return a.addLink(ctx, rest[0], rest[1], rest[2])
	case "click":
		if len(rest) != 2 {
			return errors.New("usage: click <username> <link-id>")
		}
		return a.click(ctx, rest[0], rest[1])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func optional(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// resolve finds a profile by username, or the signed-in user's own
// profile when username is empty. Private profiles resolve only for
// their owner.
func (a *app) resolve(ctx context.Context, username string) (*domain.Profile, error) {
	own, err := a.svc.GetProfile(ctx, a.user.ID)
	if err != nil && !errors.Is(err, domain.ErrUnavailable) {
		return nil, err
	}
	if own != nil && (username == "" || strings.EqualFold(own.Username, username)) {
		return own, nil
	}
	if username == "" {
		return nil, fmt.Errorf("no profile for user %q: %w", a.user.ID, domain.ErrNotFound)
	}

	p, err := a.svc.GetPublicProfile(ctx, username)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("profile %q: %w", username, domain.ErrNotFound)
	}
	return p, nil
}

// owned resolves username and checks it belongs to the signed-in user
func (a *app) owned(ctx context.Context, username string) (*domain.Profile, error) {
	p, err := a.resolve(ctx, username)
	if err != nil {
		return nil, err
	}
	if p.UserID != a.user.ID {
		return nil, fmt.Errorf("profile %q belongs to another user", username)
	}
	return p, nil
}

func (a *app) show(ctx context.Context, username string) error {
	p, err := a.resolve(ctx, username)
	if err != nil {
		return err
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		return a.runDashboard(ctx, p)
	}

	// Plain output is the visitor's view of the page
	if p.UserID != a.user.ID {
		if err := a.svc.TrackProfileView(ctx, p.ID); err != nil {
			a.logger.Warn("failed to record view", "profile", p.ID, "error", err)
		}
	}
	links, err := a.svc.GetActiveLinks(ctx, p.ID)
	if err != nil {
		return err
	}

	fmt.Printf("%s (@%s)\n", p.DisplayName, p.Username)
	if p.Bio != "" {
		fmt.Println(p.Bio)
	}
	if share, err := a.svc.ShareURL(p); err == nil {
		fmt.Println(share)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, l := range links {
		fmt.Fprintf(w, "%s\t%s\t%s\t[%s]\n", l.ID, l.Title, l.URL, profile.SocialPlatform(l.URL))
	}
	return w.Flush()
}

func (a *app) runDashboard(ctx context.Context, p *domain.Profile) error {
	model := tui.NewModel(a.svc, a.manager, p)
	defer model.Stop()

	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	a.logger.Info("starting TUI", "profile", p.ID)
	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		a.logger.Error("TUI error", "error", err)
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func (a *app) stats(ctx context.Context, username string) error {
	p, err := a.owned(ctx, username)
	if err != nil {
		return err
	}
	stats, err := a.svc.GetAnalytics(ctx, p.ID)
	if err != nil {
		return err
	}

	fmt.Printf("@%s  views %d  clicks %d\n", p.Username, stats.TotalViews, stats.TotalClicks)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, s := range stats.TopLinks {
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.Clicks, s.Link.Title, s.Link.URL)
	}
	return w.Flush()
}

func (a *app) sync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	result, err := a.manager.Flush(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) {
			fmt.Printf("offline: %d writes queued\n", a.manager.Stats().QueueSize)
			return nil
		}
		return err
	}
	fmt.Printf("sent %d, requeued %d, waiting %d, dropped %d\n",
		result.Sent, result.Requeued, result.Deferred, result.Dropped)
	return nil
}

// settle pushes writes made by a one-shot command before the process exits.
// Anything left stays queued in local storage for the next run.
func (a *app) settle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	if _, err := a.manager.Flush(ctx); err != nil && !errors.Is(err, domain.ErrUnavailable) {
		a.logger.Warn("flush before exit failed", "error", err)
	}
	if n := a.manager.Stats().QueueSize; n > 0 {
		fmt.Fprintf(os.Stderr, "%d writes queued until the remote store is reachable\n", n)
	}
}

func (a *app) createProfile(ctx context.Context, username, displayName string) error {
	p, err := a.svc.CreateProfile(ctx, a.user, profile.ProfileInput{
		Username:    username,
		DisplayName: displayName,
	})
	if err != nil {
		return err
	}
	a.settle(ctx)

	fmt.Printf("created @%s (%s)\n", p.Username, p.ID)
	if share, err := a.svc.ShareURL(p); err == nil {
		fmt.Println(share)
	}
	return nil
}

func (a *app) addLink(ctx context.Context, username, title, rawURL string) error {
	p, err := a.owned(ctx, username)
	if err != nil {
		return err
	}
	l, err := a.svc.CreateLink(ctx, p.ID, profile.LinkInput{Title: title, URL: rawURL})
	if err != nil {
		return err
	}
	a.settle(ctx)

	fmt.Printf("added %s %s (%s)\n", l.ID, l.URL, profile.SocialPlatform(l.URL))
	return nil
}

func (a *app) click(ctx context.Context, username, linkID string) error {
	p, err := a.resolve(ctx, username)
	if err != nil {
		return err
	}
	if err := a.svc.TrackLinkClick(ctx, linkID, p.ID); err != nil {
		return err
	}
	a.settle(ctx)

	fmt.Printf("click recorded on %s\n", linkID)
	return nil
}
