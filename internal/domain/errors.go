package domain

import "errors"

// Общие ошибки хранилищ.
//
// Реализации stores (repo, memstore) возвращают их, обёрнутыми через %w,
// чтобы ядро не зависело от конкретного хранилища.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует.
	ErrAlreadyExists = errors.New("already exists")
)
