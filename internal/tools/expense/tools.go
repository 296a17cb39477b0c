package expense

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/toolagent/internal/domain"
	"github.com/ashureev/toolagent/internal/tool"
)

const dateLayout = "2006-01-02"

// Tools returns the expense tracker tool specs backed by s.
func Tools(s *Store) []tool.Spec {
	return []tool.Spec{
		{
			Name:        "add_expense",
			Description: "Add a new expense entry with amount, category, and description",
			Parameters: tool.Object(map[string]any{
				"amount":      tool.Prop("number", "Amount spent"),
				"category":    tool.Prop("string", "Expense category"),
				"subcategory": tool.Prop("string", "Optional subcategory"),
				"note":        tool.Prop("string", "Optional note"),
				"date":        tool.Prop("string", "Date as YYYY-MM-DD, defaults to today"),
			}, "amount", "category"),
			Handler: tool.HandlerFunc(func(ctx context.Context, args map[string]any) (string, error) {
				return addExpense(ctx, s, args)
			}),
		},
		{
			Name:        "show_expense",
			Description: "Display all recorded expenses with their details",
			Handler: tool.HandlerFunc(func(ctx context.Context, _ map[string]any) (string, error) {
				expenses, err := s.List(ctx)
				if err != nil {
					return "", err
				}
				if len(expenses) == 0 {
					return "No expenses found", nil
				}
				return encode(expenses)
			}),
		},
		{
			Name:        "summarize_expense",
			Description: "Generate a summary of expenses by category or by date",
			Parameters: tool.Object(map[string]any{
				"group_by": map[string]any{
					"type":        "string",
					"description": "category (default) or date",
					"enum":        []string{"category", "date"},
				},
			}),
			Handler: tool.HandlerFunc(func(ctx context.Context, args map[string]any) (string, error) {
				groupBy, err := tool.OptionalString(args, "group_by", "category")
				if err != nil {
					return "", err
				}
				totals, err := s.Summarize(ctx, groupBy)
				if err != nil {
					return "", err
				}
				if len(totals) == 0 {
					return "No expenses to summarize", nil
				}
				return encode(totals)
			}),
		},
		{
			Name:        "delete_expense",
			Description: "Remove an expense entry by its ID",
			Parameters: tool.Object(map[string]any{
				"expense_id": tool.Prop("integer", "Id of the expense to delete"),
			}, "expense_id"),
			Handler: tool.HandlerFunc(func(ctx context.Context, args map[string]any) (string, error) {
				id, err := tool.Int(args, "expense_id")
				if err != nil {
					return "", err
				}
				if err := s.Delete(ctx, id); err != nil {
					return "", err
				}
				return fmt.Sprintf("Expense %d deleted", id), nil
			}),
		},
	}
}

func addExpense(ctx context.Context, s *Store, args map[string]any) (string, error) {
	amount, err := tool.Float(args, "amount")
	if err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", tool.ErrInvalidArgument)
	}
	category, err := tool.String(args, "category")
	if err != nil {
		return "", err
	}
	sub, err := tool.OptionalString(args, "subcategory", "")
	if err != nil {
		return "", err
	}
	note, err := tool.OptionalString(args, "note", "")
	if err != nil {
		return "", err
	}
	date, err := tool.OptionalString(args, "date", "")
	if err != nil {
		return "", err
	}
	if date == "" {
		date = time.Now().Format(dateLayout)
	} else if _, err := time.Parse(dateLayout, date); err != nil {
		return "", fmt.Errorf("%w: date must be YYYY-MM-DD", tool.ErrInvalidArgument)
	}

	if _, err := s.Add(ctx, domain.Expense{
		Date:        date,
		Amount:      amount,
		Category:    category,
		Subcategory: sub,
		Note:        note,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Expense added: $%.2f for %s", amount, category), nil
}

func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(raw), nil
}
