// Package imapx wraps go-imap v2 behind the narrow transport surface
// the downloader and uploader need. A Client is one live, logged-in
// connection; batch operations hold it open across many requests.
package imapx

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Config holds the connection settings for one mailbox account.
type Config struct {
	Server   string
	Port     int
	Username string
	Password string
}

// Client is a live IMAP connection. It is not safe for concurrent use;
// the pipeline is single-threaded by design.
type Client struct {
	imap *imapclient.Client
	cfg  Config
}

// Dial connects over implicit TLS and authenticates. The caller owns
// the returned client and must Close it.
func Dial(cfg Config) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Server, cfg.Port)

	c, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := c.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		_ = c.Logout().Wait()
		return nil, &AuthError{
			Username: cfg.Username,
			Message:  fmt.Sprintf("authentication failed: %v", err),
		}
	}

	return &Client{imap: c, cfg: cfg}, nil
}

// Redial closes the current connection (best effort) and establishes a
// fresh one with the same settings. Used when a health probe fails
// mid-batch.
func (c *Client) Redial() error {
	_ = c.imap.Logout().Wait()

	fresh, err := Dial(c.cfg)
	if err != nil {
		return err
	}
	c.imap = fresh.imap
	return nil
}

// Close logs out and drops the connection.
func (c *Client) Close() error {
	return c.imap.Logout().Wait()
}

// Noop is the connection health probe.
func (c *Client) Noop() error {
	return c.imap.Noop().Wait()
}

// Select opens a folder read-write.
func (c *Client) Select(folder string) error {
	if _, err := c.imap.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", folder, err)
	}
	return nil
}

// Folders lists all mailbox folder names.
func (c *Client) Folders() ([]string, error) {
	boxes, err := c.imap.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}

	names := make([]string, 0, len(boxes))
	for _, box := range boxes {
		names = append(names, box.Mailbox)
	}
	return names, nil
}

// FindSentFolder scans the folder list for the account's sent-mail
// folder. Besides the common English names it recognizes the modified
// UTF-7 encoding netease servers use.
func (c *Client) FindSentFolder() (string, error) {
	names, err := c.Folders()
	if err != nil {
		return "", err
	}

	for _, name := range names {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "sent") || strings.Contains(lower, "&xfjt0zab-") {
			return name, nil
		}
	}
	return "", nil
}

// SearchWindow returns the UIDs of messages in the currently selected
// folder whose internal date falls in [since, before).
func (c *Client) SearchWindow(since, before time.Time) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{
		Since:  since,
		Before: before,
	}

	data, err := c.imap.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching window: %w", err)
	}
	return data.AllUIDs(), nil
}

// FetchHeader fetches only the RFC 822 header block of one message,
// without touching the \Seen flag.
func (c *Client) FetchHeader(uid imap.UID) ([]byte, error) {
	section := &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierHeader,
		Peek:      true,
	}
	return c.fetchSection(uid, section)
}

// FetchFull fetches the complete raw message.
func (c *Client) FetchFull(uid imap.UID) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	return c.fetchSection(uid, section)
}

func (c *Client) fetchSection(uid imap.UID, section *imap.FetchItemBodySection) ([]byte, error) {
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	fetchCmd := c.imap.Fetch(imap.UIDSetNum(uid), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message UID %d not found", uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message UID %d: %w", uid, err)
	}

	body := buf.FindBodySection(section)
	if body == nil {
		return nil, fmt.Errorf("message UID %d has no body section", uid)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("closing fetch for UID %d: %w", uid, err)
	}
	return body, nil
}

// Append uploads a raw message into the given folder.
func (c *Client) Append(folder string, data []byte) error {
	cmd := c.imap.Append(folder, int64(len(data)), nil)
	if _, err := cmd.Write(data); err != nil {
		return fmt.Errorf("writing append data: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("closing append: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("appending to %s: %w", folder, err)
	}
	return nil
}

// EnsureFolder selects the folder, creating it first if it does not
// exist. Some servers answer CREATE with a folder-exists error even
// when SELECT failed; that is treated as success.
func (c *Client) EnsureFolder(folder string) error {
	if _, err := c.imap.Select(folder, nil).Wait(); err == nil {
		return nil
	}

	if err := c.imap.Create(folder, nil).Wait(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "exist") {
			return nil
		}
		return fmt.Errorf("creating folder %s: %w", folder, err)
	}

	if _, err := c.imap.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("selecting created folder %s: %w", folder, err)
	}
	return nil
}

// MarkDeleted flags the given messages for deletion.
func (c *Client) MarkDeleted(uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}

	storeCmd := c.imap.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("flagging messages deleted: %w", err)
	}
	return nil
}

// Expunge permanently removes messages flagged deleted in the selected
// folder.
func (c *Client) Expunge() error {
	if _, err := c.imap.Expunge().Collect(); err != nil {
		return fmt.Errorf("expunging: %w", err)
	}
	return nil
}

// FlushFolder deletes and expunges every message in the folder,
// flagging in batches of 100 to keep command lines bounded. It returns
// the number of messages removed.
func (c *Client) FlushFolder(folder string) (int, error) {
	if err := c.Select(folder); err != nil {
		return 0, err
	}

	data, err := c.imap.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("searching %s: %w", folder, err)
	}

	uids := data.AllUIDs()
	if len(uids) == 0 {
		return 0, nil
	}

	const batchSize = 100
	for i := 0; i < len(uids); i += batchSize {
		end := i + batchSize
		if end > len(uids) {
			end = len(uids)
		}
		if err := c.MarkDeleted(uids[i:end]); err != nil {
			return 0, err
		}
	}

	if err := c.Expunge(); err != nil {
		return 0, err
	}
	return len(uids), nil
}
