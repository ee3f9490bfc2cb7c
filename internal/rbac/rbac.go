package rbac

import "strings"

type Role string
type Action string

const (
	RoleOwner    Role = "owner"
	RoleChair    Role = "chair"
	RoleMember   Role = "member"
	RoleObserver Role = "observer"
)

const (
	ActionRead       Action = "read"
	ActionComment    Action = "comment"
	ActionVote       Action = "vote"
	ActionPropose    Action = "propose"
	ActionPreside    Action = "preside"
	ActionAdminister Action = "administer"
)

// Can reports whether role may perform action. The empty role (caller is not on the
// roster) may only read.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleChair:
		return action != ActionAdminister
	case RoleMember:
		return action == ActionRead || action == ActionComment || action == ActionVote || action == ActionPropose
	case RoleObserver:
		return action == ActionRead || action == ActionComment
	default:
		return action == ActionRead
	}
}

// Normalize coerces unknown or blank roles to member.
func Normalize(role string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleOwner, RoleChair, RoleMember, RoleObserver:
		return r
	default:
		return RoleMember
	}
}

// Presides reports whether the role may drive the motion lifecycle.
func Presides(role Role) bool {
	return Can(role, ActionPreside)
}
