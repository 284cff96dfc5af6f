package mock

import (
	"context"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mise/internal/db"
	applog "mise/internal/log"
	"mise/models"
)

// New returns an in-memory sqlite database seeded with a small representative
// kitchen: a Caesar salad, a vinaigrette and two dishes composed from them.
func New(ctx context.Context) (*gorm.DB, error) {
	applog.Debug(ctx, "initialising mock database")

	database, err := gorm.Open(sqlite.Open("file:mise-mock?mode=memory&cache=shared"), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		PrepareStmt:                              true,
		SkipDefaultTransaction:                   true,
		DisableForeignKeyConstraintWhenMigrating: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(database); err != nil {
		return nil, err
	}

	var count int64
	if err := database.WithContext(ctx).Model(&models.Ingredient{}).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		if err := Seed(ctx, database); err != nil {
			return nil, err
		}
	}

	applog.Debug(ctx, "mock database ready")
	return database, nil
}

func pct(v float64) *float64 { return &v }

// Seed writes the sample kitchen into database.
func Seed(ctx context.Context, database *gorm.DB) error {
	applog.Debug(ctx, "seeding mock database")

	romaine := models.Ingredient{
		Name:         "Romaine",
		Category:     "vegetable",
		Unit:         "kg",
		PackCost:     6.4,
		PackSize:     2,
		WastePercent: pct(15),
		YieldPercent: pct(100),
	}
	parmesan := models.Ingredient{
		Name:         "Parmesan",
		Category:     "dairy",
		Unit:         "kg",
		PackCost:     42,
		PackSize:     2,
		WastePercent: pct(5),
		Allergens:    models.AllergenCodes{"milk"},
	}
	anchovy := models.Ingredient{
		Name:      "Anchovy",
		Category:  "fish",
		Unit:      "kg",
		PackCost:  18,
		PackSize:  1,
		Allergens: models.AllergenCodes{"fish"},
	}
	oil := models.Ingredient{
		Name:        "Olive Oil",
		Category:    "oil",
		Unit:        "l",
		CostPerUnit: 9.5,
	}
	vinegar := models.Ingredient{
		Name:        "Sherry Vinegar",
		Category:    "vinegar",
		Unit:        "l",
		CostPerUnit: 7,
		Allergens:   models.AllergenCodes{"sulphites"},
	}
	box := models.Ingredient{
		Name:         "Takeaway Box",
		Category:     "packaging",
		Unit:         "each",
		PackCost:     25,
		PackSize:     100,
		IsConsumable: true,
		WastePercent: pct(10),
	}

	ingredients := []*models.Ingredient{&romaine, &parmesan, &anchovy, &oil, &vinegar, &box}
	for _, ingredient := range ingredients {
		if err := database.WithContext(ctx).Create(ingredient).Error; err != nil {
			return err
		}
	}

	caesar := models.Recipe{Name: "Caesar Salad", Portions: 4}
	vinaigrette := models.Recipe{Name: "Sherry Vinaigrette", Portions: 10}
	for _, recipe := range []*models.Recipe{&caesar, &vinaigrette} {
		if err := database.WithContext(ctx).Create(recipe).Error; err != nil {
			return err
		}
	}

	lines := []models.RecipeLine{
		{RecipeID: caesar.ID, IngredientID: romaine.ID, Position: 1, Quantity: 600, Unit: "g"},
		{RecipeID: caesar.ID, IngredientID: parmesan.ID, Position: 2, Quantity: 80, Unit: "g"},
		{RecipeID: caesar.ID, IngredientID: anchovy.ID, Position: 3, Quantity: 40, Unit: "g"},
		{RecipeID: vinaigrette.ID, IngredientID: oil.ID, Position: 1, Quantity: 300, Unit: "ml"},
		{RecipeID: vinaigrette.ID, IngredientID: vinegar.ID, Position: 2, Quantity: 100, Unit: "ml"},
	}
	for _, line := range lines {
		lineCopy := line
		if err := database.WithContext(ctx).Create(&lineCopy).Error; err != nil {
			return err
		}
	}

	lunch := models.Dish{Name: "Caesar Lunch Box", SellingPrice: 9.5}
	greens := models.Dish{Name: "Dressed Greens", SellingPrice: 6}
	for _, dish := range []*models.Dish{&lunch, &greens} {
		if err := database.WithContext(ctx).Create(dish).Error; err != nil {
			return err
		}
	}

	components := []models.DishComponent{
		{DishID: lunch.ID, Position: 1, Quantity: 1, RecipeID: &caesar.ID},
		{DishID: lunch.ID, Position: 2, Quantity: 1, Unit: "each", IngredientID: &box.ID},
		{DishID: greens.ID, Position: 1, Quantity: 150, Unit: "g", IngredientID: &romaine.ID},
		{DishID: greens.ID, Position: 2, Quantity: 1, RecipeID: &vinaigrette.ID},
	}
	for _, component := range components {
		componentCopy := component
		if err := database.WithContext(ctx).Create(&componentCopy).Error; err != nil {
			return err
		}
	}

	applog.Debug(ctx, "mock database seeded")
	return nil
}
