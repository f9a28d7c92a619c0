package main

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/user"
)

// addSuperUser updates or creates a super admin account.
func (cli *commandLine) addSuperUser(name, email, pwd string) error {
	ctx := context.Background()
	name = core.CleanString(name)
	email = core.CleanString(email, true /* lower */)
	firstName, lastName := splitName(name)

	var create bool
	usr, err := cli.usrRepo.GetUserByEmail(ctx, email)
	if err != nil {
		if err != user.ErrNotFound {
			return err
		}
		create = true
		now := time.Now().UTC()
		usr = user.User{
			ID:        uuid.New().String(),
			Email:     email,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	usr.FirstName = firstName
	usr.LastName = lastName
	usr.Role = user.RoleSuperAdmin
	usr.IsActive = true
	if err := usr.SetPassword(pwd); err != nil {
		return err
	}

	if create {
		_, err = cli.usrRepo.CreateUser(ctx, usr)
		return err
	}
	isActive := true
	_, err = cli.usrRepo.UpdateUser(ctx, usr, &isActive)
	return err
}

func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
