package rbac

import (
	"fmt"

	"github.com/clawcrm/clawcrm/pkg/store"
)

// Subject is the holder of a permission row: a user, a group or a role.
// Construct one with UserSubject, GroupSubject or RoleSubject.
type Subject struct {
	Type string
	ID   string
}

// UserSubject addresses grants given directly to a user.
func UserSubject(userID string) Subject {
	return Subject{Type: store.SubjectTypeUser, ID: userID}
}

// GroupSubject addresses grants given to a group.
func GroupSubject(groupID string) Subject {
	return Subject{Type: store.SubjectTypeGroup, ID: groupID}
}

// RoleSubject addresses grants given to every user holding a role.
func RoleSubject(role string) Subject {
	return Subject{Type: store.SubjectTypeRole, ID: role}
}

// ParseSubject builds a Subject from its wire form.
func ParseSubject(subjectType, id string) (Subject, error) {
	if id == "" {
		return Subject{}, fmt.Errorf("subject id is required")
	}

	switch subjectType {
	case store.SubjectTypeUser:
		return UserSubject(id), nil
	case store.SubjectTypeGroup:
		return GroupSubject(id), nil
	case store.SubjectTypeRole:
		if !ValidRole(id) {
			return Subject{}, fmt.Errorf("unknown role %q", id)
		}

		return RoleSubject(id), nil
	default:
		return Subject{}, fmt.Errorf("unknown subject type %q", subjectType)
	}
}

func (s Subject) String() string {
	return s.Type + ":" + s.ID
}
