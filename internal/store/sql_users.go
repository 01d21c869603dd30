package store

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	"Trusty-Agents/internal/auth"
	xerrors "Trusty-Agents/internal/errors"
)

// CreateUser 实现 auth.Store。
func (s *SQLStore) CreateUser(ctx context.Context, user *auth.User) error {
	if user == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "user 不能为空")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now()
	}
	const stmt = `INSERT INTO users (username, email, password_hash, disabled, created_at) VALUES (?, ?, ?, ?, ?)`
	args := []any{user.Username, user.Email, user.PasswordHash, user.Disabled, user.CreatedAt}

	if s.dialect == DialectPostgres {
		err := s.queryRow(ctx, stmt+` RETURNING id`, args...).Scan(&user.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return auth.ErrUsernameTaken
			}
			return storageError(err, "插入用户失败")
		}
		return nil
	}

	res, err := s.exec(ctx, stmt, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.ErrUsernameTaken
		}
		return storageError(err, "插入用户失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageError(err, "获取用户 ID 失败")
	}
	user.ID = id
	return nil
}

func (s *SQLStore) findUser(ctx context.Context, where string, arg any) (*auth.User, error) {
	row := s.queryRow(ctx, `SELECT id, username, email, password_hash, disabled, created_at FROM users WHERE `+where, arg)
	var user auth.User
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Disabled, &user.CreatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrUserNotFound
		}
		return nil, storageError(err, "查询用户失败")
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

// FindUserByUsername 实现 auth.Store。
func (s *SQLStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	return s.findUser(ctx, `username = ?`, strings.TrimSpace(username))
}

// FindUserByID 实现 auth.Store。
func (s *SQLStore) FindUserByID(ctx context.Context, id int64) (*auth.User, error) {
	return s.findUser(ctx, `id = ?`, id)
}
