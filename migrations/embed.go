// Package migrations встраивает схему Postgres в бинарник api. Файлы применяются по имени,
// поэтому каждый новый файл получает следующий номер и должен быть идемпотентным (IF NOT EXISTS).
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
