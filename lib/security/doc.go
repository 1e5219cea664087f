// Package security authenticates users and checks their permissions.
//
// Users are stored in the coordination store under users/<name> with a bcrypt
// hash of their password. Table permissions ("read", "write") are part of the
// table configuration, system users hold all permissions and may send
// coordinator commands.
package security
