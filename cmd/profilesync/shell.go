// ABOUTME: Interactive shell driving the app facade from stdin
// ABOUTME: Parses intents, renders the view on every change

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/profilesync/internal/app"
	"github.com/2389/profilesync/internal/logging"
	"github.com/2389/profilesync/internal/notice"
	"github.com/2389/profilesync/internal/profile"
	"github.com/2389/profilesync/internal/service"
	"github.com/2389/profilesync/internal/session"
)

const shellHelp = `Commands:
  email <address>      set the login form email
  name <name>          set the login form name
  toggle               switch between login and register
  submit               submit the form in the current mode
  login | register     submit as login or register
  save name <text>     change your display name
  save bio <text>      change your bio (markdown)
  logout               sign out
  show                 print the current view
  help                 print this help
  quit                 exit`

func runShell(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("shell", flag.ExitOnError)
	var cf clientFlags
	cf.register(fs)
	token := fs.String("token", os.Getenv(envInitialToken), "custom token to sign in with at startup")
	if err := fs.Parse(args); err != nil {
		return err
	}

	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging, os.Stderr)
	res := cf.resolve(fs, logger)

	svc := service.New(res, cfg.Backend, service.WithLogger(logger))
	a := app.New(svc, app.Options{
		InitialToken:    *token,
		FallbackTimeout: cfg.Session.AuthFallbackTimeout,
		MessageTTL:      cfg.Session.MessageTTL,
		Logger:          logger,
	})
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("closing app", "error", err)
		}
	}()
	a.Start(ctx)

	return shellLoop(ctx, a, os.Stdin, os.Stdout)
}

// shellLoop reads commands from in until quit, EOF or ctx ends, rendering to
// out whenever the view changes.
func shellLoop(ctx context.Context, a *app.App, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	r := &renderer{out: out}
	r.render(a.View(), true)
	fmt.Fprintln(out, "Type help for commands.")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case <-a.Changes():
			r.render(a.View(), false)
		case line := <-lines:
			quit, err := dispatch(ctx, a, line, out)
			if err != nil {
				color.New(color.FgRed).Fprintf(out, "  %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// dispatch runs one shell command. Save failures are already shown as
// messages, so only usage errors are returned.
func dispatch(ctx context.Context, a *app.App, line string, out io.Writer) (quit bool, err error) {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "":
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprintln(out, shellHelp)
	case "show":
		(&renderer{out: out}).render(a.View(), true)
	case "email":
		f := a.View().Form
		f.Email = rest
		a.UpdateForm(f)
	case "name":
		f := a.View().Form
		f.Name = rest
		a.UpdateForm(f)
	case "toggle":
		a.ToggleAuthMode()
	case "submit":
		if a.View().Mode == session.IntentRegister {
			_ = a.SubmitRegister(ctx)
		} else {
			_ = a.SubmitLogin(ctx)
		}
	case "login":
		_ = a.SubmitLogin(ctx)
	case "register":
		_ = a.SubmitRegister(ctx)
	case "save":
		field, value, _ := strings.Cut(rest, " ")
		var patch profile.Patch
		switch field {
		case "name":
			patch.DisplayName = profile.Text(strings.TrimSpace(value))
		case "bio":
			patch.Bio = profile.Text(strings.TrimSpace(value))
		default:
			return false, fmt.Errorf("usage: save name|bio <text>")
		}
		_ = a.SaveProfile(ctx, patch)
	case "logout":
		a.Logout(ctx)
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

// renderer prints the view, skipping repeats of the same summary.
type renderer struct {
	out  io.Writer
	last string
}

func (r *renderer) render(v app.View, force bool) {
	summary := fmt.Sprintf("%v|%v|%v|%+v|%v|%v", v.Loading, v.Status, v.Identity, v.Profile, v.Message, v.Mode)
	if !force && summary == r.last {
		return
	}
	r.last = summary

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	yellow := color.New(color.FgYellow)

	fmt.Fprintln(r.out)
	if v.Loading {
		gray.Fprintln(r.out, "  … working")
	}

	backend := v.Driver
	if !v.ServiceAvailable {
		backend = "none"
	}
	cyan.Fprintf(r.out, "  [%s] ", v.Status)
	gray.Fprintf(r.out, "backend=%s namespace=%s\n", backend, v.Namespace)

	switch {
	case v.Identity != nil:
		kind := "account"
		if v.Identity.Anonymous {
			kind = "anonymous"
		}
		fmt.Fprintf(r.out, "  Signed in as %s (%s)\n", v.Identity.UID, kind)
		fmt.Fprintf(r.out, "  Name: %s\n", v.Profile.DisplayName)
		fmt.Fprintf(r.out, "  Role: %s\n", v.Profile.Role)
		if v.Profile.CreatedAt != nil {
			fmt.Fprintf(r.out, "  Since: %s\n", v.Profile.CreatedAt.Local().Format("Jan 02, 2006"))
		}
		if v.BioHTML != "" {
			fmt.Fprintf(r.out, "  Bio:\n    %s\n", strings.ReplaceAll(strings.TrimSpace(v.BioHTML), "\n", "\n    "))
		}
	case v.Status != session.Booting:
		yellow.Fprintf(r.out, "  Signed out. Mode: %s", v.Mode)
		if v.Form.Email != "" || v.Form.Name != "" {
			gray.Fprintf(r.out, " (email=%q name=%q)", v.Form.Email, v.Form.Name)
		}
		fmt.Fprintln(r.out)
	}

	if !v.Message.Empty() {
		c := color.New(color.FgGreen)
		if v.Message.Kind == notice.KindError {
			c = color.New(color.FgRed)
		}
		c.Fprintf(r.out, "  %s\n", v.Message.Text)
	}
}
