package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/panyam/portalauth"
	"github.com/panyam/portalauth/authapi"
)

// maxFlowSteps bounds the number of stage transitions a single login walks
// through before giving up
const maxFlowSteps = 20

// prompter is the terminal side of the login flow
type prompter interface {
	// Ask shows label and returns the trimmed answer, or def if it is empty
	Ask(label, def string) (string, error)
	Printf(format string, args ...any)
}

type terminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{in: bufio.NewReader(in), out: out}
}

func (p *terminalPrompter) Ask(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	if answer := strings.TrimSpace(line); answer != "" {
		return answer, nil
	}
	return def, nil
}

func (p *terminalPrompter) Printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

// runFlow drives the session from wherever the callback left it to
// Authenticated, asking the visitor for whatever each stage needs
func runFlow(ctx context.Context, sm *portalauth.SessionManager, p prompter) error {
	for step := 0; step < maxFlowSteps; step++ {
		session := sm.Session()
		switch stage := sm.Stage(); stage {
		case portalauth.StageNeedsRegistration, portalauth.StageNeedsReRegistration:
			if stage == portalauth.StageNeedsRegistration {
				p.Printf("Welcome! Please complete your registration.\n")
			} else {
				p.Printf("Please confirm your registration details.\n")
			}
			data, err := askUserData(p, session)
			if err != nil {
				return err
			}
			if stage == portalauth.StageNeedsRegistration {
				err = sm.Register(ctx, "", session.ExtID, data)
			} else {
				err = sm.Register(ctx, session.ID, "", data)
			}
			if err != nil {
				return err
			}

		case portalauth.StageRegistered:
			prov, err := sm.TOTP().CreateProvisioningToken(ctx)
			if err != nil {
				return err
			}
			p.Printf("Add this account to your authenticator app:\n\n  %s\n\nSecret: %s\n\n", prov.URI, prov.Secret)
			if err := sm.TOTP().CompleteSetup(ctx); err != nil {
				return err
			}

		case portalauth.StageNewTotpToken, portalauth.StageHasTotpToken:
			code, err := p.Ask("Enter the 6 digit code from your authenticator app (or \"lost\")", "")
			if err != nil {
				return err
			}
			if strings.EqualFold(code, "lost") {
				if err := sm.TOTP().LostTotpSetup(ctx); err != nil {
					return err
				}
				continue
			}
			if _, err := sm.TOTP().VerifyCode(ctx, code); err != nil {
				if errors.Is(err, portalauth.ErrRejectedCredential) || errors.Is(err, portalauth.ErrInvalidCodeFormat) {
					p.Printf("%s\n", portalauth.UserMessage(err))
					continue
				}
				return err
			}

		case portalauth.StageAuthenticated:
			p.Printf("Logged in as %s <%s>", session.FullName, session.Email)
			if len(session.Roles) > 0 {
				p.Printf(" with roles %s", strings.Join(sm.RoleNames(), ", "))
			}
			p.Printf("\n")
			return nil

		default:
			return fmt.Errorf("%w: session is %s", portalauth.ErrLoginFailed, stage)
		}
	}
	return fmt.Errorf("%w: gave up after %d steps in %s", portalauth.ErrLoginFailed, maxFlowSteps, sm.Stage())
}

func askUserData(p prompter, session *portalauth.UserSession) (authapi.UserData, error) {
	var data authapi.UserData
	var err error
	if data.Name, err = p.Ask("Name", session.Name); err != nil {
		return data, err
	}
	if data.Email, err = p.Ask("Email", session.Email); err != nil {
		return data, err
	}
	def := ""
	if session.Title != nil {
		def = *session.Title
	}
	title, err := p.Ask("Title (optional)", def)
	if err != nil {
		return data, err
	}
	if title != "" {
		data.Title = &title
	}
	return data, nil
}
