package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	wanthave "github.com/wanthave/wanthave/sdk/golang"
)

var (
	chatSuccessURL string
	chatCancelURL  string
)

func init() {
	chatCmd.Flags().StringVar(&chatSuccessURL, "success-url", "", "Checkout return URL on success (default <base_url>/payment/success)")
	chatCmd.Flags().StringVar(&chatCancelURL, "cancel-url", "", "Checkout return URL on cancel (default <base_url>/payment/cancel)")
	rootCmd.AddCommand(chatCmd)
}

// ============================================================================
// Line commands
// ============================================================================

type chatAction string

const (
	actionSay     chatAction = "say"
	actionOffer   chatAction = "offer"
	actionAccept  chatAction = "accept"
	actionDecline chatAction = "decline"
	actionCancel  chatAction = "cancel"
	actionPay     chatAction = "pay"
	actionOffers  chatAction = "offers"
	actionHelp    chatAction = "help"
	actionQuit    chatAction = "quit"
)

type chatCommand struct {
	Action  chatAction
	Text    string
	Amount  decimal.Decimal
	OfferID int64
}

const chatHelp = `Type a line to send it. Commands:
  /offer <amount>   make an offer on the listing
  /accept <id>      accept an offer (seller)
  /decline <id>     decline an offer (seller)
  /cancel <id>      withdraw an offer (buyer)
  /pay <id>         pay an accepted offer (buyer)
  /offers           list offers in this conversation
  /quit             leave`

// parseChatLine turns one stdin line into a command. Blank lines yield ok=false.
func parseChatLine(line string) (cmd chatCommand, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return chatCommand{}, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return chatCommand{Action: actionSay, Text: line}, true, nil
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return chatCommand{}, false, fmt.Errorf("empty command")
	}
	name, args := fields[0], fields[1:]

	switch chatAction(name) {
	case actionOffer:
		if len(args) != 1 {
			return chatCommand{}, false, fmt.Errorf("usage: /offer <amount>")
		}
		amount, err := decimal.NewFromString(args[0])
		if err != nil {
			return chatCommand{}, false, fmt.Errorf("invalid amount %q", args[0])
		}
		return chatCommand{Action: actionOffer, Amount: amount}, true, nil
	case actionAccept, actionDecline, actionCancel, actionPay:
		if len(args) != 1 {
			return chatCommand{}, false, fmt.Errorf("usage: /%s <offer-id>", name)
		}
		id, err := parseID(args[0], "offer id")
		if err != nil {
			return chatCommand{}, false, err
		}
		return chatCommand{Action: chatAction(name), OfferID: id}, true, nil
	case actionOffers, actionHelp, actionQuit:
		return chatCommand{Action: chatAction(name)}, true, nil
	default:
		return chatCommand{}, false, fmt.Errorf("unknown command /%s (try /help)", name)
	}
}

// ============================================================================
// chat <conversation-id>
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a live conversation",
	Long:  "Join a conversation's live channel, print its history and incoming messages and offers,\nand send lines read from stdin. Type /help for offer commands.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		client, cfg := getClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		var session *wanthave.Session
		session, err = wanthave.NewSession(client, &wanthave.SessionOptions{
			UserID:       cfg.Auth.UserID,
			PollSchedule: cfg.Default.PollSchedule,
			Redirector: wanthave.RedirectFunc(func(ctx context.Context, url string) error {
				fmt.Fprintf(out, "Open this link to pay: %s\n", url)
				return nil
			}),
			OnMessage: func(m wanthave.Message) {
				if m.Status == wanthave.MessagePending {
					return
				}
				conv, _ := findConversation(session.Conversations(), m.ConversationID)
				fmt.Fprintln(out, formatMessage(conv, m, session.UserID()))
			},
			OnOffer: func(o wanthave.Offer) {
				fmt.Fprintf(out, "offer %s\n", formatOffer(o))
			},
			OnChannelState: func(state wanthave.ChannelState, generation uint64) {
				logger.Debug().Str("state", string(state)).Uint64("generation", generation).Msg("channel")
				if state == wanthave.ChannelClosed && session.Selected() == convID {
					fmt.Fprintln(out, "(channel closed; restart chat to reconnect)")
				}
			},
		})
		if err != nil {
			return err
		}
		if err := session.Login(ctx); err != nil {
			return err
		}
		defer session.Logout()

		if err := session.Enter(ctx, &wanthave.Intent{ConversationID: convID}); err != nil {
			if !errors.Is(err, wanthave.ErrSuperseded) && session.Selected() != convID {
				return err
			}
			fmt.Fprintf(out, "Conversation partially loaded: %v\n", err)
		}

		conv, _ := findConversation(session.Conversations(), convID)
		printHeader(out, conv, session.UserID())
		for _, m := range session.Messages() {
			fmt.Fprintln(out, formatMessage(conv, m, session.UserID()))
		}
		for _, o := range session.Offers() {
			fmt.Fprintf(out, "offer %s\n", formatOffer(o))
		}
		fmt.Fprintln(out, "Type /help for commands.")

		urls := wanthave.ReturnURLs{
			SuccessURL: valueOrDefault(chatSuccessURL, client.BaseURL()+"/payment/success"),
			CancelURL:  valueOrDefault(chatCancelURL, client.BaseURL()+"/payment/cancel"),
		}
		return runChat(ctx, session, cmd.InOrStdin(), out, urls)
	},
}

// runChat reads commands until stdin closes, /quit, or ctx is done.
func runChat(ctx context.Context, session *wanthave.Session, in io.Reader, out io.Writer, urls wanthave.ReturnURLs) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, open := <-lines:
			if !open {
				return nil
			}
			cmd, ok, err := parseChatLine(line)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			if !ok {
				continue
			}
			if cmd.Action == actionQuit {
				return nil
			}
			if err := execChat(ctx, session, out, cmd, urls); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func execChat(ctx context.Context, session *wanthave.Session, out io.Writer, cmd chatCommand, urls wanthave.ReturnURLs) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch cmd.Action {
	case actionSay:
		_, err := session.SendMessage(reqCtx, cmd.Text)
		if errors.Is(err, wanthave.ErrNotConnected) {
			return fmt.Errorf("not connected; message kept as pending")
		}
		return err
	case actionOffer:
		_, err := session.CreateOffer(reqCtx, cmd.Amount)
		return err
	case actionAccept:
		_, err := session.AcceptOffer(reqCtx, cmd.OfferID)
		return err
	case actionDecline:
		_, err := session.DeclineOffer(reqCtx, cmd.OfferID)
		return err
	case actionCancel:
		_, err := session.CancelOffer(reqCtx, cmd.OfferID)
		return err
	case actionPay:
		_, err := session.PayOffer(reqCtx, cmd.OfferID, urls)
		return err
	case actionOffers:
		offers := session.Offers()
		if len(offers) == 0 {
			fmt.Fprintln(out, "No offers.")
		}
		for _, o := range offers {
			fmt.Fprintf(out, "offer %s\n", formatOffer(o))
		}
		return nil
	case actionHelp:
		fmt.Fprintln(out, chatHelp)
		return nil
	}
	return nil
}

func findConversation(convs []wanthave.Conversation, id int64) (*wanthave.Conversation, bool) {
	for i := range convs {
		if convs[i].ID == id {
			return &convs[i], true
		}
	}
	return nil, false
}

func printHeader(out io.Writer, conv *wanthave.Conversation, self int64) {
	if conv == nil {
		return
	}
	title := fmt.Sprintf("Conversation %d", conv.ID)
	if other, ok := conv.Counterparty(self); ok {
		title += " with " + valueOrDefault(other.Username, fmt.Sprintf("user %d", other.ID))
	}
	if conv.Listing != nil {
		title += fmt.Sprintf(" about %q (%s)", conv.Listing.Title, conv.Listing.Price.StringFixed(2))
	}
	fmt.Fprintln(out, title)
}
