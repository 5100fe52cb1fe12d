// Package cli — команды stepwise поверх HTTP API оркестратора.
//
// Пакет намеренно не импортирует внутренние пакеты: все типы ответа
// (StepResponse, UnitResponse) описаны здесь же и повторяют JSON API.
//
//	client := cli.NewClient("http://localhost:8080")
//	step, err := client.StartStep(cli.StartStepRequest{Kind: "revert-pr"})
//
// Ошибка API приходит как *APIError; при отказе в допуске (ADMISSION_REJECTED)
// в ней лежит упавший step.
//
// Данные печатаются в stdout (таблица или --json), сообщения о результате
// в stderr, так что вывод можно передавать в jq:
//
//	stepwise step show 1b9d... --json | jq .status
//
// Команды создаются фабриками NewStepCmd и NewConstraintCmd. Client и
// Output собираются лениво через clientFn и outputFn, когда persistent
// флаги уже разобраны.
package cli
