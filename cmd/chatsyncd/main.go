package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/quickdesk/chatsync/internal/backend"
	"github.com/quickdesk/chatsync/internal/daemon"
	"github.com/quickdesk/chatsync/internal/model"
	"github.com/quickdesk/chatsync/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "local user id to sync for")
	demoFlag := flag.Bool("demo", false, "seed the in-memory backend with scripted peers")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	userID := *userFlag
	if userID == "" {
		userID = profileName
	}

	svc := backend.NewMemory()
	if *demoFlag {
		seedDemo(svc, userID)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profileName, UserID: userID, Service: svc}),
	)

	app.Run()
}

// seedDemo installs two peers with a bit of history and live presence so
// the daemon has something to synchronize out of the box.
func seedDemo(svc *backend.Memory, userID string) {
	ctx := context.Background()
	now := time.Now().UnixMilli()

	for i, peer := range []string{"ana", "rafael"} {
		id, err := svc.CreateConversation(ctx, []string{userID, peer}, model.ConversationDirect, "")
		if err != nil {
			continue
		}
		svc.SeedMessages(id, []model.Message{
			{
				ID:             fmt.Sprintf("demo-%s-1", peer),
				ConversationID: id,
				SenderID:       peer,
				SenderName:     peer,
				Type:           model.MessageText,
				Text:           "oi! this history came from the demo seed",
				Timestamp:      now - int64(i+2)*60_000,
			},
			{
				ID:             fmt.Sprintf("demo-%s-2", peer),
				ConversationID: id,
				SenderID:       peer,
				SenderName:     peer,
				Type:           model.MessageText,
				Text:           "send something back when you are live",
				Timestamp:      now - int64(i+1)*30_000,
			},
		})
		svc.SetPresence(model.PresenceRecord{UserID: peer, Online: i == 0, LastSeen: now})
	}
}
