// ABOUTME: Helper for telling invite codes apart from member/rejoin tokens
// ABOUTME: Invite codes are opaque strings, member tokens are three-part JWTs

package token

import "strings"

// IsMemberToken reports whether code is shaped like a member/rejoin token
// rather than an invite code. Invite codes are single opaque segments;
// member tokens are three dot-separated JWT parts.
func IsMemberToken(code string) bool {
	return strings.Count(code, ".") == 2
}
