package repository

import "github.com/blinders/internal/storage"

var (
	_ storage.UserStore     = (*UserRepository)(nil)
	_ storage.SessionStore  = (*SessionRepository)(nil)
	_ storage.MessageLog    = (*MessageRepository)(nil)
	_ storage.ReactionStore = (*ReactionRepository)(nil)
)
