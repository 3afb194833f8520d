package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/klppl/apfed/internal/activitypub"
	"github.com/klppl/apfed/internal/config"
	"github.com/klppl/apfed/internal/fetcher"
	"github.com/klppl/apfed/internal/httpsig"
	"github.com/klppl/apfed/internal/objectstore"
	"github.com/klppl/apfed/internal/outbox"
	"github.com/klppl/apfed/internal/userstore"
)

// addAccountCommands registers every one-shot administrative and social
// action in §6's CLI surface beyond init/upgrade/httpd/purge: account
// lifecycle (adduser, deluser, resetpwd), the social actions a user can
// take without going through the HTTP outbox path (follow, unfollow, note,
// boost, like, unlike, ping), and instance-wide moderation (block, unblock).
func addAccountCommands(root *cobra.Command) {
	addUserCmd.Flags().String("name", "", "Display name")
	addUserCmd.Flags().String("summary", "", "Profile summary")
	addUserCmd.Flags().Bool("bot", false, "Mark the account as a bot")
	addUserCmd.Flags().Bool("private", false, "Require manual follow approval")
	noteCmd.Flags().String("scope", "public", "Visibility: public, unlisted or mentioned")

	root.AddCommand(addUserCmd, delUserCmd, resetPwdCmd,
		followCmd, unfollowCmd, noteCmd, boostCmd, likeCmd, unlikeCmd, pingCmd,
		blockCmd, unblockCmd)
}

// actorDoc synthesizes the actor document for a local user the same way
// handleActor does, so the CLI and the HTTP server never disagree about
// what a local actor looks like.
func actorDoc(cfg *config.Config, user *userstore.User, sharedInbox string) activitypub.Doc {
	return activitypub.MsgActor(user.Actor, user.UID, user.Profile.Name, user.Profile.Summary,
		user.Keys.PublicPEM, user.Profile.IconURL, user.Profile.Bot, user.Profile.Private, sharedInbox)
}

// newSender builds the fetcher/outbox pair a one-shot CLI command needs to
// resolve a recipient's inbox and enqueue a signed delivery, wired the same
// way runHTTPD wires the long-running server's copy.
func newSender(cfg *config.Config, objects *objectstore.Store, instance *userstore.Instance, users *userstore.Store) (*fetcher.Fetcher, *outbox.Sender) {
	f := fetcher.New(cfg.BaseURL(), userAgent, cfg.QueueTimeoutFor(false), objects, instance)
	f.ResolveLocalActor = func(uid string) (activitypub.Doc, bool) {
		user, err := users.Open(uid)
		if err != nil {
			return nil, false
		}
		sharedInbox := ""
		if cfg.SharedInboxes {
			sharedInbox = cfg.BaseURL() + "/shared-inbox"
		}
		return actorDoc(cfg, user, sharedInbox), true
	}
	return f, &outbox.Sender{
		Fetcher:                f,
		LocalBase:              cfg.BaseURL(),
		Instance:               instance,
		DisableInboxCollection: cfg.DisableInboxCollection,
	}
}

var addUserCmd = &cobra.Command{
	Use:   "adduser <uid> [base-dir]",
	Short: "Provision a new local account",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir, err := baseDirArg(args[1:])
		if err != nil {
			return err
		}
		cfg, _, users, _, err := openInstance(baseDir)
		if err != nil {
			return err
		}
		uid := args[0]
		name, _ := cmd.Flags().GetString("name")
		summary, _ := cmd.Flags().GetString("summary")
		bot, _ := cmd.Flags().GetBool("bot")
		private, _ := cmd.Flags().GetBool("private")
		profile := userstore.Profile{Name: name, Summary: summary, Bot: bot, Private: private}
		if _, err := users.Create(uid, cfg.BaseURL()+"/"+uid, profile); err != nil {
			return err
		}
		fmt.Printf("created %s@%s\n", uid, cfg.Host)
		return nil
	},
}

var delUserCmd = &cobra.Command{
	Use:   "deluser <uid> [base-dir]",
	Short: "Remove a local account and its relation/timeline state",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir, err := baseDirArg(args[1:])
		if err != nil {
			return err
		}
		_, _, users, _, err := openInstance(baseDir)
		if err != nil {
			return err
		}
		return users.Delete(args[0])
	},
}

var resetPwdCmd = &cobra.Command{
	Use:   "resetpwd <uid> [base-dir]",
	Short: "Regenerate a local account's signing key pair",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir, err := baseDirArg(args[1:])
		if err != nil {
			return err
		}
		_, _, users, _, err := openInstance(baseDir)
		if err != nil {
			return err
		}
		user, err := users.Open(args[0])
		if err != nil {
			return err
		}
		if _, err := httpsig.RegenerateKeyPair(user.Dir() + "/key.json"); err != nil {
			return err
		}
		fmt.Printf("regenerated key pair for %s; every remote copy of the old public key is now stale\n", args[0])
		return nil
	},
}

var followCmd = &cobra.Command{
	Use:   "follow <uid> <target-actor-url> [base-dir]",
	Short: "Send a Follow request to a remote actor",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserAndSender(args[2:], args[0], func(ctx context.Context, cfg *config.Config, user *userstore.User, sender *outbox.Sender) error {
			target := args[1]
			follow := activitypub.Follow(user.Actor, target)
			if err := user.Put(userstore.RelFollowing, target, follow); err != nil {
				return err
			}
			return sender.Deliver(ctx, user, follow, target)
		})
	},
}

var unfollowCmd = &cobra.Command{
	Use:   "unfollow <uid> <target-actor-url> [base-dir]",
	Short: "Withdraw a follow, confirmed or still pending",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserAndSender(args[2:], args[0], func(ctx context.Context, cfg *config.Config, user *userstore.User, sender *outbox.Sender) error {
			target := args[1]
			follow, ok := user.Get(userstore.RelFollowing, target)
			if !ok {
				return fmt.Errorf("not following %s", target)
			}
			if err := user.Remove(userstore.RelFollowing, target); err != nil {
				return err
			}
			return sender.Deliver(ctx, user, activitypub.Undo(follow), target)
		})
	},
}

var noteCmd = &cobra.Command{
	Use:   "note <uid> <content> [base-dir]",
	Short: "Author and distribute a new note",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		scopeFlag, _ := cmd.Flags().GetString("scope")
		scope := activitypub.ScopePublic
		switch scopeFlag {
		case "unlisted":
			scope = activitypub.ScopeUnlisted
		case "mentioned":
			scope = activitypub.ScopeMentionedOnly
		}
		return withUserAndStores(args[2:], args[0], func(ctx context.Context, cfg *config.Config, objects *objectstore.Store, instance *userstore.Instance, users *userstore.Store, user *userstore.User) error {
			content := args[1]
			followersURL := user.Actor + "/followers"
			noteID := user.Actor + "/p/" + uuid.New().String()
			noResolve := func(string) (string, bool) { return "", false }
			note := activitypub.MsgNote(noteID, user.Actor, content, nil, nil, nil, scope, cfg.BaseURL(), followersURL, noResolve)
			if _, err := objects.Put(noteID, note, false); err != nil {
				return err
			}
			digest := objectstore.Digest(noteID)
			if scope == activitypub.ScopePublic {
				if err := user.AddToTimeline(userstore.TimelinePublic, digest); err != nil {
					return err
				}
				if instance != nil {
					_ = instance.AddToPublicTimeline(digest)
				}
			} else {
				if err := user.AddToTimeline(userstore.TimelinePrivate, digest); err != nil {
					return err
				}
			}
			_, sender := newSender(cfg, objects, instance, users)
			fmt.Println(noteID)
			return sender.Distribute(ctx, user, activitypub.Create(note), followersURL)
		})
	},
}

var boostCmd = &cobra.Command{
	Use:   "boost <uid> <object-id> [base-dir]",
	Short: "Announce (boost) an existing object to followers",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserAndStores(args[2:], args[0], func(ctx context.Context, cfg *config.Config, objects *objectstore.Store, instance *userstore.Instance, users *userstore.Store, user *userstore.User) error {
			objectID := args[1]
			followersURL := user.Actor + "/followers"
			announce := activitypub.Announce(user.Actor, objectID, followersURL, activitypub.ScopePublic)
			if err := objects.Admire(objectID, user.Actor, objectstore.AdmireAnnounce); err != nil {
				return err
			}
			_, sender := newSender(cfg, objects, instance, users)
			return sender.Distribute(ctx, user, announce, followersURL)
		})
	},
}

var likeCmd = &cobra.Command{
	Use:   "like <uid> <object-id> [base-dir]",
	Short: "Like an object and notify its author",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserAndStores(args[2:], args[0], func(ctx context.Context, cfg *config.Config, objects *objectstore.Store, instance *userstore.Instance, users *userstore.Store, user *userstore.User) error {
			objectID := args[1]
			f, sender := newSender(cfg, objects, instance, users)
			owner, err := resolveOwner(ctx, f, objects, user, objectID)
			if err != nil {
				return err
			}
			if err := objects.Admire(objectID, user.Actor, objectstore.AdmireLike); err != nil {
				return err
			}
			return sender.Deliver(ctx, user, activitypub.Like(user.Actor, objectID), owner)
		})
	},
}

var unlikeCmd = &cobra.Command{
	Use:   "unlike <uid> <object-id> [base-dir]",
	Short: "Undo a previously sent Like",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserAndStores(args[2:], args[0], func(ctx context.Context, cfg *config.Config, objects *objectstore.Store, instance *userstore.Instance, users *userstore.Store, user *userstore.User) error {
			objectID := args[1]
			f, sender := newSender(cfg, objects, instance, users)
			owner, err := resolveOwner(ctx, f, objects, user, objectID)
			if err != nil {
				return err
			}
			if err := objects.Unadmire(objectID, user.Actor, objectstore.AdmireLike); err != nil {
				return err
			}
			return sender.Deliver(ctx, user, activitypub.Undo(activitypub.Like(user.Actor, objectID)), owner)
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <uid> <target-actor-url> [base-dir]",
	Short: "Send a liveness Ping to a remote actor",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserAndSender(args[2:], args[0], func(ctx context.Context, cfg *config.Config, user *userstore.User, sender *outbox.Sender) error {
			target := args[1]
			return sender.Deliver(ctx, user, activitypub.Ping(user.Actor, target), target)
		})
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <host> [base-dir]",
	Short: "Add an instance to the instance-wide block set",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir, err := baseDirArg(args[1:])
		if err != nil {
			return err
		}
		_, _, _, instance, err := openInstance(baseDir)
		if err != nil {
			return err
		}
		return instance.BlockInstance(args[0])
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <host> [base-dir]",
	Short: "Remove an instance from the instance-wide block set",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir, err := baseDirArg(args[1:])
		if err != nil {
			return err
		}
		_, _, _, instance, err := openInstance(baseDir)
		if err != nil {
			return err
		}
		return instance.UnblockInstance(args[0])
	},
}

// resolveOwner returns the actor URL a Like/Undo(Like) should be delivered
// to: the object's attributedTo, fetching and caching the object first if
// it isn't already known locally.
func resolveOwner(ctx context.Context, f *fetcher.Fetcher, objects *objectstore.Store, user *userstore.User, objectID string) (string, error) {
	obj, err := objects.Get(objectID)
	if err != nil {
		status, fetched, ferr := f.Fetch(ctx, objectID, user)
		if ferr != nil {
			return "", fmt.Errorf("resolve object %s: %w", objectID, ferr)
		}
		if status != fetcher.StatusOK {
			return "", fmt.Errorf("resolve object %s: unexpected status %d", objectID, status)
		}
		if _, err := objects.Put(objectID, fetched, false); err != nil {
			return "", err
		}
		obj = fetched
	}
	owner := activitypub.AttributedTo(obj)
	if owner == "" {
		return "", fmt.Errorf("object %s has no attributedTo", objectID)
	}
	return owner, nil
}

// withUserAndSender opens the instance and the named user, builds a
// fetcher/sender pair, and runs fn with a cancellable context — the shape
// every simple actor-to-actor CLI command (follow, unfollow, ping) shares.
func withUserAndSender(baseDirArgs []string, uid string, fn func(ctx context.Context, cfg *config.Config, user *userstore.User, sender *outbox.Sender) error) error {
	baseDir, err := baseDirArg(baseDirArgs)
	if err != nil {
		return err
	}
	cfg, objects, users, instance, err := openInstance(baseDir)
	if err != nil {
		return err
	}
	user, err := users.Open(uid)
	if err != nil {
		return err
	}
	_, sender := newSender(cfg, objects, instance, users)
	return fn(context.Background(), cfg, user, sender)
}

// withUserAndStores is withUserAndSender's cousin for commands (note, boost,
// like, unlike) whose handler needs direct access to the object/user stores
// rather than just a sender.
func withUserAndStores(baseDirArgs []string, uid string, fn func(ctx context.Context, cfg *config.Config, objects *objectstore.Store, instance *userstore.Instance, users *userstore.Store, user *userstore.User) error) error {
	baseDir, err := baseDirArg(baseDirArgs)
	if err != nil {
		return err
	}
	cfg, objects, users, instance, err := openInstance(baseDir)
	if err != nil {
		return err
	}
	user, err := users.Open(uid)
	if err != nil {
		return err
	}
	return fn(context.Background(), cfg, objects, instance, users, user)
}
