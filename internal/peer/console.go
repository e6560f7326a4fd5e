package peer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/EgorSempai/zlover/internal/domain"
)

// Console runs operator commands against a live session, one per line:
//
//	members                     list the other participants
//	kick <nickname|id> [reason] ask the server to remove a member (host only)
//	renegotiate                 send a fresh offer on every link
type Console struct {
	s   *Session
	out io.Writer
}

func NewConsole(s *Session, out io.Writer) *Console {
	return &Console{s: s, out: out}
}

// Run executes lines from in until it is exhausted or ctx ends. Command
// errors are printed, not returned.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.Exec(line); err != nil {
				fmt.Fprintln(c.out, "error:", err)
			}
		}
	}
}

func (c *Console) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "members":
		members := c.s.Members()
		ids := make([]domain.ParticipantID, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			fmt.Fprintf(c.out, "%s\t%s\n", id, members[id])
		}
		return nil
	case "kick":
		if len(fields) < 2 {
			return fmt.Errorf("usage: kick <nickname|id> [reason]")
		}
		if !c.s.IsHost() {
			return fmt.Errorf("only the host can kick")
		}
		target, err := c.resolve(fields[1])
		if err != nil {
			return err
		}
		return c.s.Kick(target, strings.Join(fields[2:], " "))
	case "renegotiate":
		c.s.Renegotiate()
		return nil
	}
	return fmt.Errorf("unknown command %q", fields[0])
}

// resolve accepts a participant id or a unique nickname.
func (c *Console) resolve(who string) (domain.ParticipantID, error) {
	members := c.s.Members()
	if _, ok := members[domain.ParticipantID(who)]; ok {
		return domain.ParticipantID(who), nil
	}
	var found []domain.ParticipantID
	for id, nick := range members {
		if strings.EqualFold(nick, who) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no member %q", who)
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("nickname %q is ambiguous, use the id", who)
}
