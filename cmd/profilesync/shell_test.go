// ABOUTME: Tests for the interactive shell command parser and renderer
// ABOUTME: Drives a demo-mode app through scripted input

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/profilesync/internal/app"
	"github.com/2389/profilesync/internal/config"
	"github.com/2389/profilesync/internal/service"
	"github.com/2389/profilesync/internal/session"
)

func demoApp(t *testing.T) *app.App {
	t.Helper()
	color.NoColor = true
	res := config.Resolve(config.MapEnv{"CUSTOM_APP_ID": "shell-test"}, nil, nil)
	a := app.New(service.New(res, config.BackendConfig{Driver: config.DriverFirebase}), app.Options{MessageTTL: time.Minute})
	t.Cleanup(func() { _ = a.Close() })
	a.Start(context.Background())
	return a
}

func run(t *testing.T, a *app.App, lines ...string) string {
	t.Helper()
	var out bytes.Buffer
	for _, line := range lines {
		_, err := dispatch(context.Background(), a, line, &out)
		require.NoError(t, err, line)
	}
	return out.String()
}

func TestDispatch_DemoSignInAndEdit(t *testing.T) {
	a := demoApp(t)

	run(t, a, "email ada@example.com", "name Ada", "login")

	v := a.View()
	assert.Equal(t, session.SignedIn, v.Status)
	require.NotNil(t, v.Identity)
	assert.Equal(t, session.DemoUID, v.Identity.UID)
	assert.Equal(t, "Ada", v.Profile.DisplayName)

	run(t, a, "save bio I like **engines**")
	v = a.View()
	assert.Equal(t, "I like **engines**", v.Profile.Bio)
	assert.Contains(t, v.BioHTML, "<strong>engines</strong>")
	assert.Equal(t, "Profile saved", v.Message.Text)

	run(t, a, "save name Countess")
	assert.Equal(t, "Countess", a.View().Profile.DisplayName)

	run(t, a, "logout")
	assert.Nil(t, a.View().Identity)
}

func TestDispatch_ToggleAndSubmitRegister(t *testing.T) {
	a := demoApp(t)

	run(t, a, "toggle")
	assert.Equal(t, session.IntentRegister, a.View().Mode)

	run(t, a, "submit")
	assert.Equal(t, session.SignedIn, a.View().Status)
	assert.Equal(t, session.DemoDisplayName, a.View().Profile.DisplayName)
}

func TestDispatch_Errors(t *testing.T) {
	a := demoApp(t)
	var out bytes.Buffer

	_, err := dispatch(context.Background(), a, "frobnicate", &out)
	assert.ErrorContains(t, err, "unknown command")

	_, err = dispatch(context.Background(), a, "save age 3", &out)
	assert.ErrorContains(t, err, "usage")

	quit, err := dispatch(context.Background(), a, "  quit ", &out)
	assert.NoError(t, err)
	assert.True(t, quit)
}

func TestShellLoop_ScriptedSession(t *testing.T) {
	a := demoApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := strings.NewReader("name Grace\nlogin\nshow\nquit\n")
	var out bytes.Buffer
	require.NoError(t, shellLoop(ctx, a, in, &out))

	text := out.String()
	assert.Contains(t, text, "[demo]")
	assert.Contains(t, text, "Signed in as demo-user")
	assert.Contains(t, text, "Name: Grace")
	assert.Contains(t, text, "Role: Preview Mode")
}

func TestRender_SkipsRepeats(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	r := &renderer{out: &out}

	v := app.View{Status: session.SignedOut, Namespace: "ns"}
	r.render(v, false)
	first := out.Len()
	require.NotZero(t, first)

	r.render(v, false)
	assert.Equal(t, first, out.Len())

	r.render(v, true)
	assert.Greater(t, out.Len(), first)
	assert.Contains(t, out.String(), "backend=none namespace=ns")
}
