package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"mappl/internal/client"
	"mappl/internal/roomsync"
	"mappl/internal/service"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd 构建终端聊天客户端，配置可来自命令行参数或 MAPPL_ 前缀的环境变量。
func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "mappl-chat",
		Short:         "Terminal client for mappl event chats",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("server", "http://localhost:8080", "mappl server URL")
	root.PersistentFlags().String("token", "", "session token (the mappl_session cookie)")
	root.PersistentFlags().Bool("verbose", false, "log subscription activity to stderr")
	_ = v.BindPFlags(root.PersistentFlags())
	v.SetEnvPrefix("MAPPL")
	v.AutomaticEnv()

	root.AddCommand(newEventsCmd(v), newJoinCmd(v), newChatCmd(v))
	return root
}

func newClient(v *viper.Viper) (*client.Client, error) {
	return client.New(v.GetString("server"), v.GetString("token"))
}

func newEventsCmd(v *viper.Viper) *cobra.Command {
	var f service.EventFilter
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			events, err := c.ListEvents(cmd.Context(), f)
			if err != nil {
				return err
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "only events created by this user id")
	cmd.Flags().StringVar(&f.JoinedBy, "joined-by", "", "only events joined by this user id")
	cmd.Flags().StringVar(&f.Code, "code", "", "only the event with this join code")
	return cmd
}

func printEvents(w io.Writer, events []service.EventDTO) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCODE\tDATE\tJOINERS\tTITLE")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.ID, e.Code, e.Date.Format("2006-01-02 15:04"), len(e.Joiners), e.Title)
	}
	tw.Flush()
}

func newJoinCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "join [event id]",
		Short: "Join an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			me, err := c.Me(cmd.Context())
			if err != nil {
				return fmt.Errorf("sign in first: %w", err)
			}
			if _, err := c.JoinEvent(cmd.Context(), args[0], me.ID); err != nil {
				if client.HasStatus(err, http.StatusConflict) {
					fmt.Fprintln(cmd.OutOrStdout(), "already joined")
					return nil
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "joined", args[0])
			return nil
		},
	}
}

func newChatCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [event id]",
		Short: "Open an event's chat room",
		Long:  "chat streams the room and sends each line typed on stdin. /join joins the event, /quit leaves.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ev, err := c.GetEvent(ctx, args[0])
			if err != nil {
				return err
			}
			var userID string
			if v.GetString("token") != "" {
				me, err := c.Me(ctx)
				if err != nil {
					return fmt.Errorf("check session: %w", err)
				}
				userID = me.ID
			}

			level := zerolog.WarnLevel
			if v.GetBool("verbose") {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.Kitchen}).
				Level(level).With().Timestamp().Logger()

			chat := roomsync.NewChat(c, ev.Code, userID, client.MembershipOf(ev), roomsync.WithLogger(logger))
			defer chat.Close()
			return runChat(ctx, chat, ev.Title, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// printer 只输出尚未打印过的已确认消息。
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, printed: make(map[string]bool)}
}

func (p *printer) render(msgs []roomsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.Pending() || p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(p.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), name, m.Text)
	}
}

func (p *printer) println(a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, a...)
}

// runChat 激活聊天并逐行处理输入，直到 /quit、输入结束或 ctx 取消。
func runChat(ctx context.Context, chat *roomsync.Chat, title string, in io.Reader, out io.Writer) error {
	p := newPrinter(out)
	cancel := chat.OnChange(p.render)
	defer cancel()

	p.println("--", title, "--")
	if err := chat.Activate(ctx); err != nil {
		p.println("could not load history:", err)
	}
	p.render(chat.Messages())
	if !chat.CanSend() {
		p.println("read-only: sign in and type /join to take part")
	}

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
			if quit := handleLine(ctx, chat, p, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, chat *roomsync.Chat, p *printer, line string) bool {
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/join":
		if err := chat.Join(ctx); err != nil {
			p.println("join failed:", err)
		} else {
			p.println("joined, say hi")
		}
		return false
	}
	err := chat.Send(ctx, line)
	switch {
	case err == nil:
	case errors.Is(err, roomsync.ErrNotMember):
		p.println("join the event first: /join")
	case errors.Is(err, roomsync.ErrUnauthenticated):
		p.println("sign in to chat (pass --token)")
	default:
		p.println("send failed:", err)
	}
	return false
}
