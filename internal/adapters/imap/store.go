// Package imap implements the mail store on top of an IMAP4rev1 server.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mikey/remote-mail-filter/internal/config"
	"github.com/mikey/remote-mail-filter/internal/core"
)

const fetchBatchSize = 200

var (
	// ErrStaleMessage is returned when the folder was recreated since the
	// message was listed, so its uid no longer designates it
	ErrStaleMessage = errors.New("message uid is no longer valid")
	// ErrUnsupportedAuth is returned for an unknown imap.auth value
	ErrUnsupportedAuth = errors.New("unsupported IMAP authentication")
)

func init() {
	imap.CharsetReader = charset.Reader
}

// Store is a core.MailStore backed by one IMAP connection. Commands are
// serialized; the connection is re-established when the server drops it.
type Store struct {
	cfg    config.IMAPConfig
	tokens oauth2.TokenSource
	logger *zap.Logger

	mu        sync.Mutex
	c         *client.Client
	delimiter string
	selected  string
	validity  uint32
}

// NewStore creates a new IMAP store. tokens is only used with the
// oauthbearer and xoauth2 authentication methods.
func NewStore(cfg config.IMAPConfig, tokens oauth2.TokenSource, logger *zap.Logger) *Store {
	return &Store{
		cfg:    cfg,
		tokens: tokens,
		logger: logger.With(zap.String("imap", cfg.Address())),
	}
}

// Connect dials and authenticates. Other methods call it when needed.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connect(ctx)
}

func (s *Store) connect(ctx context.Context) error {
	if s.c != nil {
		select {
		case <-s.c.LoggedOut():
			s.logger.Warn("IMAP connection lost, reconnecting")
			s.c = nil
		default:
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		c   *client.Client
		err error
	)
	if s.cfg.TLS {
		c, err = client.DialTLS(s.cfg.Address(), &tls.Config{
			ServerName:         s.cfg.Host,
			InsecureSkipVerify: s.cfg.InsecureSkipVerify,
		})
	} else {
		c, err = client.Dial(s.cfg.Address())
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = s.cfg.Timeout

	if err := s.authenticate(ctx, c); err != nil {
		_ = c.Logout()
		return err
	}

	delimiter, err := hierarchyDelimiter(c)
	if err != nil {
		_ = c.Logout()
		return err
	}

	s.c, s.delimiter, s.selected, s.validity = c, delimiter, "", 0
	s.logger.Info("Connected to IMAP server", zap.String("username", s.cfg.Username))
	return nil
}

func (s *Store) authenticate(ctx context.Context, c *client.Client) error {
	switch s.cfg.Auth {
	case "", "password":
		if err := c.Login(s.cfg.Username, s.cfg.Password); err != nil {
			return fmt.Errorf("failed to log in: %w", err)
		}
		return nil
	case "oauthbearer", "xoauth2":
		if s.tokens == nil {
			return fmt.Errorf("%w: %s needs an OAuth2 token", ErrUnsupportedAuth, s.cfg.Auth)
		}
		token, err := s.tokens.Token()
		if err != nil {
			return fmt.Errorf("failed to get OAuth2 token: %w", err)
		}
		var auth sasl.Client
		if s.cfg.Auth == "oauthbearer" {
			auth = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
				Username: s.cfg.Username,
				Token:    token.AccessToken,
				Host:     s.cfg.Host,
				Port:     s.cfg.Port,
			})
		} else {
			auth = newXOAuth2Client(s.cfg.Username, token.AccessToken)
		}
		if err := c.Authenticate(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAuth, s.cfg.Auth)
	}
}

func hierarchyDelimiter(c *client.Client) (string, error) {
	ch := make(chan *imap.MailboxInfo, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "", ch)
	}()

	delimiter := "/"
	for info := range ch {
		if info.Delimiter != "" {
			delimiter = info.Delimiter
		}
	}
	if err := <-done; err != nil {
		return "", fmt.Errorf("failed to read hierarchy delimiter: %w", err)
	}
	return delimiter, nil
}

// selectFolder selects folder read-write unless it already is selected
func (s *Store) selectFolder(ctx context.Context, folder core.Folder) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	name := folder.Join(s.delimiter)
	if s.selected == name {
		return nil
	}

	status, err := s.c.Select(name, false)
	if err != nil {
		s.selected = ""
		return fmt.Errorf("failed to select %s: %w", name, err)
	}
	s.selected, s.validity = name, status.UidValidity
	return nil
}

// messageID builds the mailbox-wide identity of a message
func messageID(folder core.Folder, validity, uid uint32) string {
	return fmt.Sprintf("%s;%d;%d", folder, validity, uid)
}

// ListMessages fetches the envelope of every message in folder. Everything
// is fetched before the first message is yielded, so the consumer may call
// MoveMessage and SetFlags while ranging.
func (s *Store) ListMessages(ctx context.Context, folder core.Folder) iter.Seq2[*core.Message, error] {
	return func(yield func(*core.Message, error) bool) {
		msgs, err := s.fetchAll(ctx, folder)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, msg := range msgs {
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (s *Store) fetchAll(ctx context.Context, folder core.Folder) ([]*core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectFolder(ctx, folder); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", folder, err)
	}

	validity := s.validity
	out := make([]*core.Message, 0, len(uids))
	for start := 0; start < len(uids); start += fetchBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+fetchBatchSize, len(uids))
		seqset := new(imap.SeqSet)
		seqset.AddNum(uids[start:end]...)

		items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate}
		ch := make(chan *imap.Message, 16)
		done := make(chan error, 1)
		go func() {
			done <- s.c.UidFetch(seqset, items, ch)
		}()
		for m := range ch {
			out = append(out, s.toMessage(folder, validity, m))
		}
		if err := <-done; err != nil {
			return nil, fmt.Errorf("failed to fetch messages of %s: %w", folder, err)
		}
	}

	s.logger.Debug("Listed folder", zap.String("folder", folder.String()), zap.Int("messages", len(out)))
	return out, nil
}

func (s *Store) toMessage(folder core.Folder, validity uint32, m *imap.Message) *core.Message {
	msg := &core.Message{
		ID:     messageID(folder, validity, m.Uid),
		UID:    m.Uid,
		Folder: folder,
		Flags:  core.NewFlags(m.Flags...),
		Date:   m.InternalDate,
	}
	if env := m.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.MessageID = env.MessageId
		if !env.Date.IsZero() {
			msg.Date = env.Date
		}
		if len(env.From) > 0 {
			msg.From = env.From[0].Address()
		}
		msg.To = addresses(env.To)
		msg.Cc = addresses(env.Cc)
	}

	uid := m.Uid
	msg.SetBodyLoader(func(ctx context.Context) ([]byte, error) {
		return s.fetchBody(ctx, folder, validity, uid)
	})
	return msg
}

func addresses(list []*imap.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if addr := a.Address(); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func (s *Store) fetchBody(ctx context.Context, folder core.Folder, validity, uid uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectFolder(ctx, folder); err != nil {
		return nil, err
	}
	if s.validity != validity {
		return nil, ErrStaleMessage
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqset, []imap.FetchItem{section.FetchItem()}, ch)
	}()

	var body []byte
	var readErr error
	for m := range ch {
		literal := m.GetBody(section)
		if literal == nil {
			continue
		}
		body, readErr = io.ReadAll(literal)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message body: %w", err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read message body: %w", readErr)
	}
	if body == nil {
		return nil, core.ErrNoBody
	}
	return body, nil
}

// selectMessage selects the folder of msg and checks its uid is still valid
func (s *Store) selectMessage(ctx context.Context, msg *core.Message) (*imap.SeqSet, error) {
	if err := s.selectFolder(ctx, msg.Folder); err != nil {
		return nil, err
	}
	if messageID(msg.Folder, s.validity, msg.UID) != msg.ID {
		return nil, ErrStaleMessage
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(msg.UID)
	return seqset, nil
}

// MoveMessage moves msg to destination
func (s *Store) MoveMessage(ctx context.Context, msg *core.Message, destination core.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqset, err := s.selectMessage(ctx, msg)
	if err != nil {
		return err
	}
	if err := s.c.UidMove(seqset, destination.Join(s.delimiter)); err != nil {
		return fmt.Errorf("failed to move message: %w", err)
	}
	return nil
}

// SetFlags adds set and removes clear on msg
func (s *Store) SetFlags(ctx context.Context, msg *core.Message, set, clear core.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqset, err := s.selectMessage(ctx, msg)
	if err != nil {
		return err
	}

	for _, change := range []struct {
		op    imap.FlagsOp
		flags core.Flags
	}{
		{imap.AddFlags, set},
		{imap.RemoveFlags, clear},
	} {
		if change.flags.Len() == 0 {
			continue
		}
		values := make([]interface{}, 0, change.flags.Len())
		for _, name := range change.flags.Slice() {
			values = append(values, name)
		}
		if err := s.c.UidStore(seqset, imap.FormatFlagsOp(change.op, true), values, nil); err != nil {
			return fmt.Errorf("failed to store flags: %w", err)
		}
	}
	return nil
}

// FolderWatermark returns "uidvalidity:uidnext:messages" for folder
func (s *Store) FolderWatermark(ctx context.Context, folder core.Folder) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return "", err
	}
	name := folder.Join(s.delimiter)
	status, err := s.c.Status(name, []imap.StatusItem{imap.StatusUidValidity, imap.StatusUidNext, imap.StatusMessages})
	if err != nil {
		return "", fmt.Errorf("failed to get status of %s: %w", name, err)
	}
	return fmt.Sprintf("%d:%d:%d", status.UidValidity, status.UidNext, status.Messages), nil
}

// Close logs out
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c == nil {
		return nil
	}
	err := s.c.Logout()
	s.c = nil
	if err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}
