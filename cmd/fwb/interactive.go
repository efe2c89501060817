package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/searcher"
)

const menu = `======== FEDERAL WORKER BLAMER ========
Choose an option below:
1. Generate the database (ALL YOUR DATA WILL BE LOST)
2. Choose a person name to be searched in the database
3. Choose a role in the brazilian civil service to be searched in the database
4. Choose a brazilian federal agency to be searched in the database
5. Insert a new worker in the database
6. Rebuilds the database-indexes (CAREFUL, IT WILL TAKE A WHILE)
7. Exit
`

// interactive runs the menu until the user exits or the input ends. Errors
// from a single action are printed and the menu continues.
func (a *app) interactive(ctx context.Context, prefix bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fmt.Fprint(a.out, menu)
		choice, err := a.prompt.ask("Your choice: ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch choice {
		case "1":
			err = a.menuGenerate(ctx)
		case "2":
			err = a.menuSearch(ctx, "\nName of the to-be-searched person: ", func(q *searcher.Query, s string) { q.Person = s }, prefix)
		case "3":
			err = a.menuSearch(ctx, "\nName of the to-be-searched role: ", func(q *searcher.Query, s string) { q.Role = s }, prefix)
		case "4":
			err = a.menuSearch(ctx, "\nName of the to-be-searched agency: ", func(q *searcher.Query, s string) { q.Agency = s }, prefix)
		case "5":
			err = a.insert(ctx)
		case "6":
			err = a.rebuild(ctx)
		case "7":
			fmt.Fprintln(a.out, "Bye bye! It was nice to have you here!! :(")
			return nil
		default:
			fmt.Fprintln(a.out, "\nINVALID CHOICE!!")
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(a.out, "Error: %v\n", err)
		}
		fmt.Fprintln(a.out)
	}
}

func (a *app) menuGenerate(ctx context.Context) error {
	fmt.Fprintln(a.out, "\nYou must pass TWO CSV files to this. The Remuneracao one, and the Cadastro one.")
	salary, err := a.prompt.ask("Remuneracao file: ")
	if err != nil {
		return err
	}
	info, err := a.prompt.ask("Cadastro file: ")
	if err != nil {
		return err
	}
	if err := a.importCSV(ctx, salary, info); err != nil {
		return err
	}
	return a.rebuild(ctx)
}

func (a *app) menuSearch(ctx context.Context, label string, set func(*searcher.Query, string), prefix bool) error {
	text, err := a.prompt.ask(label)
	if err != nil {
		return err
	}
	q := searcher.Query{Prefix: prefix}
	set(&q, text)
	return a.search(ctx, q)
}
