package imap

import (
	"context"

	"github.com/migadu/postern/server"
)

// Only a personal namespace exists.
func (s *session) handleNamespace(ctx context.Context, cmd *command) error {
	s.untagged(`NAMESPACE (("" %s)) NIL NIL`, server.QuoteString(Delimiter))
	return nil
}

// The store enforces no quota, so the single root reports no resources.
func (s *session) handleGetQuotaRoot(ctx context.Context, cmd *command) error {
	name, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: GETQUOTAROOT mailbox")
	}
	folder, err := s.server.store.GetFolderByName(ctx, s.User().ID, name)
	if err != nil {
		return folderError(err)
	}
	s.untagged(`QUOTAROOT %s ""`, server.QuoteString(folder.Name))
	s.untagged(`QUOTA "" ()`)
	return nil
}

func (s *session) handleGetQuota(ctx context.Context, cmd *command) error {
	root, err := cmd.args.astring()
	if err != nil {
		return errBad("Syntax: GETQUOTA root")
	}
	if root != "" {
		return errNo("", "No such quota root")
	}
	s.untagged(`QUOTA "" ()`)
	return nil
}
