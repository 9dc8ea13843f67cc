package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sigrelay/internal/classify"
	"sigrelay/internal/config"
	"sigrelay/internal/domain"
	"sigrelay/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// openLocalStore opens the session store for read-only style commands that
// never talk to the gateway.
func openLocalStore(ctx context.Context) (*store.SQLiteStore, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	s, err := store.Open(ctx, cfg.Store.Path, cfg.Store.Passphrase, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}

// storeLookup resolves classifier lookups from the store alone.
type storeLookup struct {
	*store.SQLiteStore
}

func (l storeLookup) ContactByID(ctx context.Context, id domain.AccountID) (*domain.Contact, error) {
	return l.Contact(ctx, id)
}

func listContactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-contacts",
		Short: "List stored contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openLocalStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			contacts, err := s.Contacts(cmd.Context())
			if err != nil {
				return err
			}
			printContacts(contacts)
			return nil
		},
	}
}

func printContacts(contacts []domain.Contact) {
	if len(contacts) == 0 {
		fmt.Println("No contacts.")
		return
	}
	for _, c := range contacts {
		fmt.Printf("%-36s  %-16s  %s\n", c.ID, orDash(c.Number), orDash(c.Name))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func listGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-groups",
		Short: "List stored groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openLocalStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			groups, err := s.Groups(cmd.Context())
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				fmt.Println("No groups.")
				return nil
			}
			for _, g := range groups {
				fmt.Printf("%-44s  %-24s  %d members\n", g.Key, orDash(g.Title), len(g.Members))
			}
			return nil
		},
	}
}

func listMessagesCmd() *cobra.Command {
	var contact, group string
	var from uint64
	var limit int
	cmd := &cobra.Command{
		Use:   "list-messages",
		Short: "Show the stored messages of one conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, err := threadFromFlags(contact, group)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, _, err := openLocalStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			msgs, err := s.Messages(ctx, thread, from, limit)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Println("No messages.")
				return nil
			}
			classifier := classify.New(storeLookup{s}, logger)
			for _, m := range msgs {
				ev, ok := classifier.Classify(ctx, m, thread)
				if !ok {
					continue
				}
				when := time.UnixMilli(int64(m.Timestamp))
				fmt.Printf("%d  %-14s  %s\n", m.Timestamp, humanize.Time(when), ev)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&contact, "contact", "", "contact account id")
	cmd.Flags().StringVar(&group, "group", "", "group key")
	cmd.Flags().Uint64Var(&from, "from", 0, "only messages at or after this timestamp (ms)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of messages (0 for all)")
	return cmd
}

func threadFromFlags(contact, group string) (domain.Thread, error) {
	switch {
	case contact != "" && group != "":
		return domain.Thread{}, fmt.Errorf("--contact and --group are mutually exclusive")
	case contact != "":
		id, err := domain.ParseAccountID(contact)
		if err != nil {
			return domain.Thread{}, err
		}
		return domain.ContactThread(id), nil
	case group != "":
		return domain.GroupThread(domain.GroupKey(group)), nil
	default:
		return domain.Thread{}, fmt.Errorf("one of --contact or --group is required")
	}
}

func getContactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-contact <uuid>",
		Short: "Show one stored contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseAccountID(args[0])
			if err != nil {
				return err
			}
			s, _, err := openLocalStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			c, err := s.Contact(cmd.Context(), id)
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("contact %s not found", id)
			}
			fmt.Printf("ID:     %s\n", c.ID)
			fmt.Printf("Name:   %s\n", orDash(c.Name))
			fmt.Printf("Number: %s\n", orDash(c.Number))
			return nil
		},
	}
}

func findContactCmd() *cobra.Command {
	var name, phone string
	cmd := &cobra.Command{
		Use:   "find-contact",
		Short: "Search stored contacts by name or phone number",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" && phone == "" {
				return fmt.Errorf("one of --name or --phone is required")
			}
			s, _, err := openLocalStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			contacts, err := s.Contacts(cmd.Context())
			if err != nil {
				return err
			}
			printContacts(filterContacts(contacts, name, phone))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "case-insensitive name fragment")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number fragment")
	return cmd
}

// filterContacts keeps contacts matching every non-empty criterion.
func filterContacts(contacts []domain.Contact, name, phone string) []domain.Contact {
	name = strings.ToLower(name)
	var out []domain.Contact
	for _, c := range contacts {
		if name != "" && !strings.Contains(strings.ToLower(c.Name), name) {
			continue
		}
		if phone != "" && !strings.Contains(c.Number, phone) {
			continue
		}
		out = append(out, c)
	}
	return out
}
