// internal/services/migration_templates.go
package services

import (
	"strings"

	"github.com/javajoker/bizmarket-backend/internal/models"
)

type taskTemplate struct {
	Name        string
	Category    models.TaskCategory
	Description string
}

var commonHandoverTasks = []taskTemplate{
	{"Transfer domain names", models.TaskCategoryDomain, "Unlock each domain, share the auth code and confirm the registrar transfer to the buyer."},
	{"Hand over business email and admin accounts", models.TaskCategoryAccounts, "Move ownership of email, analytics and admin accounts to the buyer and rotate credentials."},
	{"Transfer customer data", models.TaskCategoryData, "Export customer records and mailing lists and import them into buyer-controlled systems."},
	{"Assign vendor and supplier contracts", models.TaskCategoryLegal, "Notify vendors and assign or re-sign contracts in the buyer's name."},
}

var migrationTemplates = map[string][]taskTemplate{
	"saas": {
		{"Transfer source code repositories", models.TaskCategoryAccounts, "Transfer repository ownership and revoke seller access."},
		{"Migrate hosting and infrastructure", models.TaskCategoryOperation, "Move cloud accounts or redeploy production to buyer-owned infrastructure."},
		{"Move payment processor and subscriptions", models.TaskCategoryFinancial, "Migrate the billing account and active subscriptions without interrupting renewals."},
	},
	"ecommerce": {
		{"Transfer storefront account", models.TaskCategoryAccounts, "Change the store owner to the buyer on the e-commerce platform."},
		{"Hand over inventory and suppliers", models.TaskCategoryOperation, "Reconcile stock levels and introduce the buyer to suppliers and fulfilment partners."},
		{"Move merchant and payout accounts", models.TaskCategoryFinancial, "Connect the store to the buyer's merchant account and bank payouts."},
	},
	"content": {
		{"Transfer CMS and hosting", models.TaskCategoryOperation, "Move the site and its hosting account to the buyer."},
		{"Transfer social media accounts", models.TaskCategoryAccounts, "Add the buyer as owner of every social profile and remove the seller."},
		{"Move ad network and affiliate accounts", models.TaskCategoryFinancial, "Switch ad and affiliate payouts to the buyer."},
	},
	"agency": {
		{"Introduce buyer to clients", models.TaskCategoryOperation, "Hold handover calls with every retained client."},
		{"Assign client contracts", models.TaskCategoryLegal, "Assign or novate client service agreements to the buyer."},
		{"Hand over project management tools", models.TaskCategoryAccounts, "Transfer workspaces, files and templates to the buyer."},
	},
}

// templateFor returns the handover tasks for a listing category. Unknown
// categories get the common tasks only.
func templateFor(category string) []taskTemplate {
	specific := migrationTemplates[strings.ToLower(strings.TrimSpace(category))]
	tasks := make([]taskTemplate, 0, len(commonHandoverTasks)+len(specific))
	tasks = append(tasks, commonHandoverTasks...)
	tasks = append(tasks, specific...)
	return tasks
}
