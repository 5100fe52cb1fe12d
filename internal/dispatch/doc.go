// Package dispatch реализует Remote Task Dispatcher.
//
// Submit выдаёт correlation handle, сохраняет TaskEnvelope, взводит таймер
// и передаёт envelope удалённому исполнителю, не дожидаясь результата.
//
// Каждый handle разрешается ровно один раз: completion, таймаут или отмена.
// Гонку выигрывает тот, кто первым забрал handle из памяти и прошёл
// compare-and-set в хранилище; проигравший — no-op (stale callback).
// Результат пересылается ResultHandler'у (Step Chain Executor).
//
// Если ResultHandler вернул ошибку, разрешение откатывается (ReopenEnvelope):
// handle снова PENDING, повторная доставка результата применится, а таймер
// взведён не раньше чем через RetryDelay.
package dispatch
